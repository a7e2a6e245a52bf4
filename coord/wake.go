package coord

import (
	"context"
	"sync"
	"time"
)

// wake is a broadcast signal for long polls. Waiters block on the
// current generation's channel; Wake closes it and starts the next one,
// releasing every waiter at once. Spurious wake-ups are fine, callers
// re-check their condition after waking.
type wake struct {
	mu sync.Mutex
	ch chan struct{}
}

func newWake() *wake {
	return &wake{ch: make(chan struct{})}
}

func (w *wake) Wake() {
	w.mu.Lock()
	close(w.ch)
	w.ch = make(chan struct{})
	w.mu.Unlock()
}

// Wait blocks until the next Wake, the timeout, or context end.
// Returns true when released by a Wake.
func (w *wake) Wait(ctx context.Context, d time.Duration) bool {
	w.mu.Lock()
	ch := w.ch
	w.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
