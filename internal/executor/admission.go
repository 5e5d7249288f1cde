package executor

import (
	"container/list"
	"context"
	"sync"

	"github.com/cuongbtq/cad-convertor/internal/domain"
)

type waiter struct {
	ready chan struct{}
	err   error
}

// admission bounds running jobs and keeps a bounded FIFO of callers waiting
// for a slot. A released slot is handed directly to the oldest waiter.
type admission struct {
	mu         sync.Mutex
	limit      int
	queueDepth int
	running    int
	waiters    *list.List
	closed     bool
	drained    chan struct{}
}

func newAdmission(limit, queueDepth int) *admission {
	return &admission{
		limit:      limit,
		queueDepth: queueDepth,
		waiters:    list.New(),
	}
}

// acquire takes a slot, waiting in line while the queue has room. It fails
// with domain.ErrQueueFull when the queue is full, domain.ErrShuttingDown once
// closed, or ctx's error if the caller gives up while waiting.
func (a *admission) acquire(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return domain.ErrShuttingDown
	}
	if a.running < a.limit && a.waiters.Len() == 0 {
		a.running++
		a.mu.Unlock()
		return nil
	}
	if a.waiters.Len() >= a.queueDepth {
		a.mu.Unlock()
		return domain.ErrQueueFull
	}

	w := &waiter{ready: make(chan struct{})}
	elem := a.waiters.PushBack(w)
	a.mu.Unlock()

	select {
	case <-w.ready:
		return w.err
	case <-ctx.Done():
		a.mu.Lock()
		select {
		case <-w.ready:
			// Granted while giving up: pass the slot on
			if w.err == nil {
				a.releaseLocked()
			}
		default:
			a.waiters.Remove(elem)
		}
		a.mu.Unlock()
		return ctx.Err()
	}
}

func (a *admission) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked()
}

func (a *admission) releaseLocked() {
	if front := a.waiters.Front(); front != nil {
		w := a.waiters.Remove(front).(*waiter)
		close(w.ready)
		return
	}

	a.running--
	if a.running == 0 && a.drained != nil {
		close(a.drained)
		a.drained = nil
	}
}

// close stops admitting and turns away everyone still in line
func (a *admission) close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	for a.waiters.Len() > 0 {
		w := a.waiters.Remove(a.waiters.Front()).(*waiter)
		w.err = domain.ErrShuttingDown
		close(w.ready)
	}
}

// wait blocks until no slot is held or ctx ends
func (a *admission) wait(ctx context.Context) error {
	a.mu.Lock()
	if a.running == 0 {
		a.mu.Unlock()
		return nil
	}
	if a.drained == nil {
		a.drained = make(chan struct{})
	}
	drained := a.drained
	a.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *admission) stats() (running, queued int, accepting bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running, a.waiters.Len(), !a.closed
}
