// Package workqueue runs deferred work items on a dedicated goroutine.
//
// A Work item is either idle, pending (queued but not started) or running.
// Queueing a pending item is a no-op, and CancelSync guarantees that once it
// returns the item is neither pending nor running.
package workqueue

import (
	"errors"
	"log/slog"

	"gvisor.dev/gvisor/pkg/sync"
)

var ErrClosed = errors.New("workqueue: closed")

// Work is a unit of deferred work.
type Work struct {
	fn func()

	mu      sync.Mutex
	idle    *sync.Cond
	pending bool
	running bool
}

// NewWork returns a work item that calls fn each time it runs.
func NewWork(fn func()) *Work {
	w := &Work{fn: fn}
	w.idle = sync.NewCond(&w.mu)
	return w
}

// Pending reports whether the item is queued and not yet started.
func (w *Work) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// CancelSync removes a pending item from its queue and waits for a running
// invocation to complete. It reports whether the item was pending.
//
// CancelSync must not be called from the work function itself.
func (w *Work) CancelSync() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	wasPending := w.pending
	w.pending = false
	for w.running {
		w.idle.Wait()
	}
	return wasPending
}

// run executes the item if it is still pending.
func (w *Work) run() {
	w.mu.Lock()
	if !w.pending {
		// cancelled after being queued
		w.mu.Unlock()
		return
	}
	w.pending = false
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.idle.Broadcast()
		w.mu.Unlock()
	}()

	w.fn()
}

// Queue is a single threaded work queue.
type Queue struct {
	name string

	mu       sync.Mutex
	cond     *sync.Cond
	items    []*Work
	inFlight int
	closed   bool

	done chan struct{}
}

// New starts a queue. name is used for logging only.
func New(name string) *Queue {
	q := &Queue{
		name: name,
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.worker()
	return q
}

// Queue schedules w to run. It returns false when w is already pending or the
// queue has been closed.
func (q *Queue) Queue(w *Work) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		slog.Debug("dropping work queued after close", "queue", q.name)
		return false
	}

	w.mu.Lock()
	if w.pending {
		w.mu.Unlock()
		return false
	}
	w.pending = true
	w.mu.Unlock()

	q.items = append(q.items, w)
	q.cond.Broadcast()
	return true
}

// Flush waits until every item queued before the call has finished running.
func (q *Queue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) > 0 || q.inFlight > 0 {
		q.cond.Wait()
	}
}

// Close drains the queue and stops the worker. Items queued afterwards are
// dropped.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	<-q.done
	return nil
}

func (q *Queue) worker() {
	defer close(q.done)

	q.mu.Lock()
	for {
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.closed {
			q.mu.Unlock()
			return
		}

		w := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.inFlight++
		q.mu.Unlock()

		w.run()

		q.mu.Lock()
		q.inFlight--
		q.cond.Broadcast()
	}
}
