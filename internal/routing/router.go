package routing

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
)

var tracer = otel.Tracer("github.com/0xcro3dile/fgo-agent-go/internal/routing")

// Router serves logical-model requests by trying each configured instance in
// order until one succeeds. It implements ports.ModelRouter.
type Router struct {
	reg    *Registry
	logger zerolog.Logger
}

// NewRouter creates a router over a loaded registry.
func NewRouter(reg *Registry, logger zerolog.Logger) *Router {
	return &Router{
		reg:    reg,
		logger: logger.With().Str("component", "router").Logger(),
	}
}

// Registry exposes the routing table the router was built with.
func (r *Router) Registry() *Registry { return r.reg }

// FailoverLog is the append-only attempt log of one request.
type FailoverLog struct {
	mu     sync.Mutex
	events []entities.FailoverEvent
}

func (l *FailoverLog) add(instance, physical string, status entities.FailoverStatus, err error) {
	ev := entities.FailoverEvent{InstanceName: instance, PhysicalModelName: physical, Status: status}
	if err != nil {
		ev.Error = err.Error()
	}
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

// Events returns a copy of the events recorded so far.
func (l *FailoverLog) Events() []entities.FailoverEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]entities.FailoverEvent(nil), l.events...)
}

// candidate resolves an instance of a logical model to its adapter and
// physical model name. ok is false when the instance cannot be attempted.
func (r *Router) candidate(lm entities.LogicalModel, instance string) (ports.ModelAdapter, string, bool) {
	physical, hasName := lm.PhysicalName(instance)
	adapter, hasAdapter := r.reg.Adapter(instance)
	return adapter, physical, hasName && hasAdapter
}

func (r *Router) lookup(name string) (entities.LogicalModel, error) {
	lm, ok := r.reg.LogicalModel(name)
	if !ok {
		return entities.LogicalModel{}, &entities.ConfigurationError{LogicalModel: name}
	}
	return lm, nil
}

func startSpan(ctx context.Context, name, logicalModel string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("llm.logical_model", logicalModel)))
}

func endSpan(span trace.Span, meta entities.CallMetadata, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(
			attribute.String("llm.instance", meta.InstanceName),
			attribute.String("llm.physical_model", meta.PhysicalModelName),
		)
	}
	span.End()
}

// Chat sends a non-streaming chat request with sequential failover.
func (r *Router) Chat(ctx context.Context, req entities.ChatRequest) (result *entities.ChatResult, err error) {
	lm, err := r.lookup(req.LogicalModel)
	if err != nil {
		return nil, err
	}

	ctx, span := startSpan(ctx, "router.chat", lm.Name)
	defer func() {
		var meta entities.CallMetadata
		if result != nil {
			meta = result.Metadata
		}
		endSpan(span, meta, err)
	}()

	var log FailoverLog
	var lastErr error
	for _, name := range lm.Instances {
		adapter, physical, ok := r.candidate(lm, name)
		if !ok {
			log.add(name, physical, entities.FailoverSkipped, nil)
			r.logger.Warn().Str("logical_model", lm.Name).Str("instance", name).Msg("instance unavailable, skipped")
			continue
		}

		resp, callErr := adapter.Chat(ctx, ports.AdapterRequest{Model: physical, Messages: req.Messages, Options: req.Options})
		if callErr != nil {
			lastErr = &entities.AdapterError{Instance: name, Err: callErr}
			log.add(name, physical, entities.FailoverFailed, callErr)
			r.logger.Warn().Err(callErr).Str("logical_model", lm.Name).Str("instance", name).Msg("instance failed, trying next")
			if ctx.Err() != nil {
				break
			}
			continue
		}

		log.add(name, physical, entities.FailoverSuccess, nil)
		return &entities.ChatResult{
			Response: *resp,
			Metadata: entities.CallMetadata{InstanceName: name, PhysicalModelName: physical},
			Failover: log.Events(),
		}, nil
	}

	return nil, &entities.AllInstancesFailedError{LogicalModel: lm.Name, LastErr: lastErr, Events: log.Events()}
}

// Embed computes embeddings with the same first-success-wins policy as Chat.
func (r *Router) Embed(ctx context.Context, logicalModel string, texts []string) (result *entities.EmbedResult, err error) {
	lm, err := r.lookup(logicalModel)
	if err != nil {
		return nil, err
	}

	ctx, span := startSpan(ctx, "router.embed", lm.Name)
	defer func() {
		var meta entities.CallMetadata
		if result != nil {
			meta = result.Metadata
		}
		endSpan(span, meta, err)
	}()

	var log FailoverLog
	var lastErr error
	for _, name := range lm.Instances {
		adapter, physical, ok := r.candidate(lm, name)
		if !ok {
			log.add(name, physical, entities.FailoverSkipped, nil)
			continue
		}

		emb, callErr := adapter.Embed(ctx, physical, texts)
		if callErr == nil && len(emb.Vectors) != len(texts) {
			callErr = errors.New("backend returned a different number of vectors than inputs")
		}
		if callErr != nil {
			lastErr = &entities.AdapterError{Instance: name, Err: callErr}
			log.add(name, physical, entities.FailoverFailed, callErr)
			r.logger.Warn().Err(callErr).Str("logical_model", lm.Name).Str("instance", name).Msg("embedding instance failed, trying next")
			if ctx.Err() != nil {
				break
			}
			continue
		}

		log.add(name, physical, entities.FailoverSuccess, nil)
		return &entities.EmbedResult{
			Vectors:  emb.Vectors,
			Usage:    emb.Usage,
			Metadata: entities.CallMetadata{InstanceName: name, PhysicalModelName: physical},
			Failover: log.Events(),
		}, nil
	}

	return nil, &entities.AllInstancesFailedError{LogicalModel: lm.Name, LastErr: lastErr, Events: log.Events()}
}
