package logging

import (
	"context"
	"time"
)

// DetachContext returns a context that is not cancelled with its parent but
// keeps its values (trace spans, request IDs).
func DetachContext(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}

// DetachContextWithTimeout is DetachContext with its own deadline. Used for
// log writes that must finish after the request that caused them is gone.
func DetachContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
