package routing

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
)

var errEmptyStream = errors.New("stream closed before the first chunk")

// StreamHandle is a committed chat stream. Metadata is written exactly once,
// when the serving instance produces its first chunk.
type StreamHandle struct {
	items chan entities.StreamChunk
	ready chan struct{}
	done  chan struct{}

	metaOnce sync.Once
	meta     entities.CallMetadata

	// err is written by the pump before done/items are closed.
	err error

	log       FailoverLog
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ ports.ChatStream = (*StreamHandle)(nil)

func newStreamHandle(cancel context.CancelFunc) *StreamHandle {
	return &StreamHandle{
		items:  make(chan entities.StreamChunk),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

func (h *StreamHandle) commit(meta entities.CallMetadata) {
	h.metaOnce.Do(func() {
		h.meta = meta
		close(h.ready)
	})
}

// Metadata reports the committed instance. ok is false until the first chunk.
func (h *StreamHandle) Metadata() (entities.CallMetadata, bool) {
	select {
	case <-h.ready:
		return h.meta, true
	default:
		return entities.CallMetadata{}, false
	}
}

// FailoverEvents returns the attempts made so far.
func (h *StreamHandle) FailoverEvents() []entities.FailoverEvent {
	return h.log.Events()
}

// Recv returns the next chunk in generation order. After the final chunk it
// returns io.EOF; a failure after commit is returned once the chunks before
// it have been consumed.
func (h *StreamHandle) Recv() (entities.StreamChunk, error) {
	c, ok := <-h.items
	if !ok {
		if h.err != nil {
			return entities.StreamChunk{}, h.err
		}
		return entities.StreamChunk{}, io.EOF
	}
	return c, nil
}

// Close stops the stream and releases the backend connection.
func (h *StreamHandle) Close() {
	h.closeOnce.Do(h.cancel)
}

// ChatStream opens a streaming chat. Instances are tried in order until one
// yields its first chunk; from then on the stream is committed to that
// instance. If no instance gets that far the returned error is an
// *entities.AllInstancesFailedError.
func (r *Router) ChatStream(ctx context.Context, req entities.ChatRequest) (ports.ChatStream, error) {
	lm, err := r.lookup(req.LogicalModel)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	h := newStreamHandle(cancel)
	go r.pump(ctx, h, lm, req)

	select {
	case <-h.ready:
		return h, nil
	case <-h.done:
		select {
		case <-h.ready:
			return h, nil
		default:
		}
		cancel()
		return nil, h.err
	}
}

func (r *Router) pump(ctx context.Context, h *StreamHandle, lm entities.LogicalModel, req entities.ChatRequest) {
	ctx, span := startSpan(ctx, "router.chat_stream", lm.Name)
	defer func() {
		meta, _ := h.Metadata()
		endSpan(span, meta, h.err)
		close(h.items)
		close(h.done)
	}()

	var lastErr error
	for _, name := range lm.Instances {
		adapter, physical, ok := r.candidate(lm, name)
		if !ok {
			h.log.add(name, physical, entities.FailoverSkipped, nil)
			r.logger.Warn().Str("logical_model", lm.Name).Str("instance", name).Msg("instance unavailable, skipped")
			continue
		}

		var first entities.StreamChunk
		ch, err := adapter.ChatStream(ctx, ports.AdapterRequest{Model: physical, Messages: req.Messages, Options: req.Options})
		if err == nil {
			first, err = firstChunk(ctx, ch)
		}
		if err != nil {
			lastErr = &entities.AdapterError{Instance: name, Err: err}
			h.log.add(name, physical, entities.FailoverFailed, err)
			r.logger.Warn().Err(err).Str("logical_model", lm.Name).Str("instance", name).Msg("stream setup failed, trying next")
			if ctx.Err() != nil {
				h.err = ctx.Err()
				return
			}
			continue
		}

		h.log.add(name, physical, entities.FailoverSuccess, nil)
		h.commit(entities.CallMetadata{InstanceName: name, PhysicalModelName: physical})
		h.forward(ctx, name, first, ch)
		return
	}

	h.err = &entities.AllInstancesFailedError{LogicalModel: lm.Name, LastErr: lastErr, Events: h.log.Events()}
}

func firstChunk(ctx context.Context, ch <-chan entities.StreamChunk) (entities.StreamChunk, error) {
	select {
	case c, ok := <-ch:
		if !ok {
			return c, errEmptyStream
		}
		if c.Err != nil {
			return c, c.Err
		}
		return c, nil
	case <-ctx.Done():
		return entities.StreamChunk{}, ctx.Err()
	}
}

// forward relays chunks from the committed instance. Errors after commit are
// terminal; there is no failover mid-stream.
func (h *StreamHandle) forward(ctx context.Context, instance string, first entities.StreamChunk, ch <-chan entities.StreamChunk) {
	if !h.send(ctx, first) || first.Final {
		return
	}
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return
			}
			if c.Err != nil {
				h.err = &entities.AdapterError{Instance: instance, Err: c.Err}
				return
			}
			if !h.send(ctx, c) || c.Final {
				return
			}
		case <-ctx.Done():
			h.err = ctx.Err()
			return
		}
	}
}

func (h *StreamHandle) send(ctx context.Context, c entities.StreamChunk) bool {
	select {
	case h.items <- c:
		return true
	case <-ctx.Done():
		h.err = ctx.Err()
		return false
	}
}
