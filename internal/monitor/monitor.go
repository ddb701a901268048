// Package monitor records one call-log row per routed model call.
//
// Monitor wraps a ports.ModelRouter and never changes what the caller sees:
// results and errors pass through untouched, and log-write failures are
// logged and counted but never returned.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
	"github.com/0xcro3dile/fgo-agent-go/internal/infrastructure/logging"
)

// DefaultWriteTimeout bounds a single call-log write.
const DefaultWriteTimeout = 5 * time.Second

// InstanceLookup resolves instance definitions for model identity registration.
type InstanceLookup interface {
	Instance(name string) (entities.ModelInstance, bool)
}

// Monitor is a ports.ModelRouter that logs every call it forwards.
type Monitor struct {
	inner        ports.ModelRouter
	instances    InstanceLookup
	sink         ports.CallSink
	metrics      *Metrics
	logger       zerolog.Logger
	writeTimeout time.Duration
	now          func() time.Time

	wg sync.WaitGroup
}

var _ ports.ModelRouter = (*Monitor)(nil)

// Option configures a Monitor.
type Option func(*Monitor)

// WithMetrics records Prometheus metrics for every call.
func WithMetrics(m *Metrics) Option {
	return func(mon *Monitor) { mon.metrics = m }
}

// WithWriteTimeout overrides DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(mon *Monitor) {
		if d > 0 {
			mon.writeTimeout = d
		}
	}
}

// New wraps inner. A nil sink disables persistence but keeps metrics.
func New(inner ports.ModelRouter, instances InstanceLookup, sink ports.CallSink, logger zerolog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		inner:        inner,
		instances:    instances,
		sink:         sink,
		logger:       logger.With().Str("component", "monitor").Logger(),
		writeTimeout: DefaultWriteTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Chat forwards a non-streaming chat and logs its outcome.
func (m *Monitor) Chat(ctx context.Context, req entities.ChatRequest) (*entities.ChatResult, error) {
	rec := m.begin(req.LogicalModel, entities.CallChat, false)

	res, err := m.inner.Chat(ctx, req)
	if err != nil {
		m.fail(ctx, rec, err)
		return nil, err
	}

	rec.PromptTokens = res.Response.Usage.PromptTokens
	rec.CompletionTokens = res.Response.Usage.CompletionTokens
	rec.FailoverEvents = res.Failover
	m.succeed(ctx, rec, res.Metadata)
	return res, nil
}

// Embed forwards an embedding call and logs its outcome.
func (m *Monitor) Embed(ctx context.Context, logicalModel string, texts []string) (*entities.EmbedResult, error) {
	rec := m.begin(logicalModel, entities.CallEmbed, false)

	res, err := m.inner.Embed(ctx, logicalModel, texts)
	if err != nil {
		m.fail(ctx, rec, err)
		return nil, err
	}

	rec.PromptTokens = res.Usage.PromptTokens
	rec.CompletionTokens = res.Usage.CompletionTokens
	rec.FailoverEvents = res.Failover
	m.succeed(ctx, rec, res.Metadata)
	return res, nil
}

// ChatStream forwards a streaming chat. The record is written when the
// stream is drained, fails, or is closed early by the consumer.
func (m *Monitor) ChatStream(ctx context.Context, req entities.ChatRequest) (ports.ChatStream, error) {
	rec := m.begin(req.LogicalModel, entities.CallChat, true)

	s, err := m.inner.ChatStream(ctx, req)
	if err != nil {
		m.fail(ctx, rec, err)
		return nil, err
	}
	return &monitoredStream{inner: s, mon: m, ctx: ctx, rec: rec}, nil
}

// Wait blocks until all pending call-log writes have finished.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) begin(logicalModel string, typ entities.CallType, stream bool) entities.CallRecord {
	return entities.CallRecord{
		ID:           uuid.NewString(),
		LogicalModel: logicalModel,
		Type:         typ,
		IsStream:     stream,
		StartedAt:    m.now(),
	}
}

func (m *Monitor) succeed(ctx context.Context, rec entities.CallRecord, meta entities.CallMetadata) {
	rec.Status = entities.CallSuccess
	rec.EndedAt = m.now()
	m.persist(ctx, rec, &meta)
}

// fail logs a call that no instance served. The failover log travels on
// AllInstancesFailedError; configuration errors have none.
func (m *Monitor) fail(ctx context.Context, rec entities.CallRecord, err error) {
	rec.Status = entities.CallFailure
	rec.EndedAt = m.now()
	rec.ErrorMessage = err.Error()
	rec.FailoverEvents = failoverEvents(err)
	m.persist(ctx, rec, nil)
}

// persist writes the record in the background on a detached context so that
// neither caller cancellation nor a slow sink affects the request path.
func (m *Monitor) persist(ctx context.Context, rec entities.CallRecord, meta *entities.CallMetadata) {
	m.metrics.observe(rec)
	if m.sink == nil {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		wctx, cancel := logging.DetachContextWithTimeout(ctx, m.writeTimeout)
		defer cancel()

		if meta != nil && meta.InstanceName != "" {
			id, err := m.sink.EnsureModel(wctx, m.identity(*meta))
			if err != nil {
				m.metrics.writeFailed()
				m.logger.Warn().Err(err).Str("instance", meta.InstanceName).Msg("registering model identity failed")
			} else {
				rec.ModelID = id
			}
		}

		if err := m.sink.SaveCallRecord(wctx, rec); err != nil {
			m.metrics.writeFailed()
			m.logger.Warn().Err(err).Str("call_id", rec.ID).Str("logical_model", rec.LogicalModel).Msg("writing call record failed")
			return
		}
		m.logger.Debug().Str("call_id", rec.ID).Str("status", string(rec.Status)).
			Dur("duration", rec.Duration()).Msg("call recorded")
	}()
}

func (m *Monitor) identity(meta entities.CallMetadata) entities.ModelIdentity {
	id := entities.ModelIdentity{
		InstanceName:      meta.InstanceName,
		PhysicalModelName: meta.PhysicalModelName,
	}
	if m.instances != nil {
		if inst, ok := m.instances.Instance(meta.InstanceName); ok {
			id.Type = inst.Type
			id.BaseURL = inst.Params.BaseURL
		}
	}
	return id
}
