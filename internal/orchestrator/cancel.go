package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
)

// CancellationToken is a cross-goroutine cancellation flag. Any goroutine may
// call Request; the running stage and the state machine poll IsRequested or
// select on Done.
type CancellationToken struct {
	requested atomic.Bool

	mu   sync.Mutex
	done chan struct{}
}

// NewCancellationToken returns an unset token.
func NewCancellationToken() *CancellationToken {
	return &CancellationToken{done: make(chan struct{})}
}

// Request sets the flag. Calling it more than once is harmless.
func (t *CancellationToken) Request() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.requested.CompareAndSwap(false, true) {
		close(t.done)
	}
}

// IsRequested reports whether Request has been called since the last reset.
func (t *CancellationToken) IsRequested() bool {
	return t.requested.Load()
}

// Done returns a channel closed once Request is called.
func (t *CancellationToken) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// reset clears the flag for a new run. Only the controller calls it, while
// no run is active.
func (t *CancellationToken) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.requested.Load() {
		t.done = make(chan struct{})
		t.requested.Store(false)
	}
}

// WithCancellation derives a context that is cancelled when the token is
// requested or parent is done. The returned stop function releases the
// watcher and must be called.
func (t *CancellationToken) WithCancellation(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	done := t.Done()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
