package monitor

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
)

// monitoredStream writes the call record once the stream reaches a terminal
// state. A consumer that closes early is not a failure.
type monitoredStream struct {
	inner ports.ChatStream
	mon   *Monitor
	ctx   context.Context

	mu    sync.Mutex
	rec   entities.CallRecord
	usage entities.Usage
	once  sync.Once
}

func (s *monitoredStream) Recv() (entities.StreamChunk, error) {
	c, err := s.inner.Recv()
	switch {
	case err == nil:
		if c.Usage != nil {
			s.mu.Lock()
			s.usage = *c.Usage
			s.mu.Unlock()
		}
	case errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
		s.finish(nil)
	default:
		s.finish(err)
	}
	return c, err
}

func (s *monitoredStream) Metadata() (entities.CallMetadata, bool) {
	return s.inner.Metadata()
}

func (s *monitoredStream) FailoverEvents() []entities.FailoverEvent {
	return s.inner.FailoverEvents()
}

// Close releases the stream. If it was not drained, the call is still
// recorded as served by the committed instance.
func (s *monitoredStream) Close() {
	s.inner.Close()
	s.finish(nil)
}

func (s *monitoredStream) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		rec := s.rec
		rec.PromptTokens = s.usage.PromptTokens
		rec.CompletionTokens = s.usage.CompletionTokens
		s.mu.Unlock()

		rec.FailoverEvents = s.inner.FailoverEvents()
		meta, committed := s.inner.Metadata()

		if err != nil {
			rec.Status = entities.CallFailure
			rec.ErrorMessage = err.Error()
		} else {
			rec.Status = entities.CallSuccess
		}
		rec.EndedAt = s.mon.now()

		if committed {
			s.mon.persist(s.ctx, rec, &meta)
		} else {
			s.mon.persist(s.ctx, rec, nil)
		}
	})
}

func failoverEvents(err error) []entities.FailoverEvent {
	var allFailed *entities.AllInstancesFailedError
	if errors.As(err, &allFailed) {
		return allFailed.Events
	}
	return nil
}
