package logging

import (
	"context"
	"time"
)

// DetachContext returns a context that survives cancellation of parent while
// keeping its values. Work that must run to completion and be logged even
// after the caller goes away (bridge executions, shutdown flushes) detaches
// first.
func DetachContext(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}

// DetachContextWithTimeout detaches from parent and applies a fresh
// deadline, so detached work is still bounded.
func DetachContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
