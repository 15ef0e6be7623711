package client

import (
	"context"
	"sync"
)

// lease serializes work on one pinned connection. Callers enter in
// arrival order; only one holds the lease at a time.
type lease struct {
	mu      sync.Mutex
	busy    bool
	queue   []chan error
	aborted error
	idle    chan struct{} // closed when busy becomes false
}

func newLease() *lease {
	return &lease{}
}

// enter waits for the caller's turn. After abort every caller fails with
// the abort error.
func (l *lease) enter(ctx context.Context) error {
	l.mu.Lock()
	if l.aborted != nil {
		err := l.aborted
		l.mu.Unlock()
		return err
	}
	if !l.busy && len(l.queue) == 0 {
		l.take()
		l.mu.Unlock()
		return nil
	}
	ready := make(chan error, 1)
	l.queue = append(l.queue, ready)
	l.mu.Unlock()

	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
	}

	l.mu.Lock()
	for i, w := range l.queue {
		if w == ready {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			l.mu.Unlock()
			return ctx.Err()
		}
	}
	l.mu.Unlock()

	// the turn was handed over concurrently with cancellation: pass it on
	if err := <-ready; err == nil {
		l.leave()
	}
	return ctx.Err()
}

// tryEnter takes the lease only when nobody holds it or waits for it.
func (l *lease) tryEnter() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy || len(l.queue) > 0 {
		return false
	}
	l.take()
	return true
}

func (l *lease) take() {
	l.busy = true
	l.idle = make(chan struct{})
}

// leave hands the lease to the oldest waiter.
func (l *lease) leave() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) > 0 {
		next := l.queue[0]
		l.queue = l.queue[1:]
		next <- nil
		return
	}
	if l.busy {
		l.busy = false
		close(l.idle)
	}
}

// abort fails all waiters and every later enter with err. Returns the
// number of waiters failed. The current holder is not affected.
func (l *lease) abort(err error) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.aborted == nil {
		l.aborted = err
	}
	n := len(l.queue)
	for _, w := range l.queue {
		w <- err
	}
	l.queue = nil
	return n
}

// waitIdle blocks until the current holder leaves.
func (l *lease) waitIdle(ctx context.Context) error {
	l.mu.Lock()
	if !l.busy {
		l.mu.Unlock()
		return nil
	}
	idle := l.idle
	l.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// state reports whether the lease is held and how many callers wait.
func (l *lease) state() (busy bool, waiting int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.busy, len(l.queue)
}
