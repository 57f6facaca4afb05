package signalsock

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// callbackQueue delivers application callbacks one at a time, in the order
// they were queued. Whichever goroutine finds the queue idle drains it; calls
// made while a drain is in progress only append, so a callback that calls back
// into the connection never runs nested inside another callback.
type callbackQueue struct {
	mu       sync.Mutex
	pending  []func()
	draining bool

	logger  *zap.Logger
	metrics *ConnectionMetrics
}

func (q *callbackQueue) run(fns ...func()) {
	if len(fns) == 0 {
		return
	}

	q.mu.Lock()
	q.pending = append(q.pending, fns...)
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true

	for len(q.pending) > 0 {
		next := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.invoke(next)

		q.mu.Lock()
	}

	q.draining = false
	q.pending = nil
	q.mu.Unlock()
}

func (q *callbackQueue) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Warn("Connection callback panicked", zap.Any("panic", r))
			q.metrics.RecordCallbackPanic(context.Background(), "connection")
		}
	}()
	fn()
}
