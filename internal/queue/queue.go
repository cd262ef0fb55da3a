// Package queue implements the bounded-concurrency FIFO task queue used
// to cap outbound CALL concurrency per connection (spec §4.2).
package queue

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Task is submitted work; it returns an error which rejects the
// returned Future.
type Task func(ctx context.Context) (any, error)

// Future resolves once its Task has run.
type Future struct {
	done   chan struct{}
	result any
	err    error
}

// Wait blocks until the task completes, returning its result or error.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Queue is a bounded-concurrency FIFO task queue. size = running +
// pending, reported by Size.
type Queue struct {
	mu          sync.Mutex
	concurrency int64
	sem         *semaphore.Weighted
	pending     int
	running     int
	// tail is the hand-off baton of the most recently pushed task,
	// closed once that task has entered the semaphore's wait list. Each
	// Push chains onto it under mu, so semaphore acquisition order is
	// push order, not goroutine scheduling order.
	tail chan struct{}
}

// New creates a Queue with the given initial concurrency limit.
func New(concurrency int) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Queue{
		concurrency: int64(concurrency),
		sem:         semaphore.NewWeighted(int64(concurrency)),
	}
}

// SetConcurrency raises or lowers the limit. Already-queued tasks begin
// as soon as a slot frees, without requiring new submissions; lowering
// the limit only throttles future acquisitions (in-flight tasks are
// never preempted).
func (q *Queue) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delta := int64(n) - q.concurrency
	q.concurrency = int64(n)
	if delta > 0 {
		q.sem.Release(delta)
	} else if delta < 0 {
		// Best-effort: acquire the difference so the effective limit
		// shrinks as current holders release. Non-blocking so callers
		// are never stalled by a configuration change.
		q.sem.TryAcquire(-delta)
	}
}

// Push enqueues task, preserving FIFO order across the full queue: the
// caller's goroutine takes its place in line synchronously (under mu),
// and each task only calls into the semaphore once its predecessor has,
// so service order is determined by Push order alone. The returned
// Future resolves once the task runs (in its turn) and completes.
func (q *Queue) Push(ctx context.Context, task Task) *Future {
	f := &Future{done: make(chan struct{})}

	mine := make(chan struct{})
	q.mu.Lock()
	prev := q.tail
	q.tail = mine
	q.pending++
	q.mu.Unlock()

	go func() {
		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				// Abandon the place in line, but keep the baton moving
				// once it reaches this position or successors would
				// wait forever.
				go func() {
					<-prev
					close(mine)
				}()
				q.mu.Lock()
				q.pending--
				q.mu.Unlock()
				f.err = ctx.Err()
				close(f.done)
				return
			}
		}
		err := q.sem.Acquire(ctx, 1)
		close(mine)
		q.mu.Lock()
		q.pending--
		if err == nil {
			q.running++
		}
		q.mu.Unlock()
		if err != nil {
			f.err = err
			close(f.done)
			return
		}

		defer func() {
			q.sem.Release(1)
			q.mu.Lock()
			q.running--
			q.mu.Unlock()
		}()

		result, err := task(ctx)
		f.result = result
		f.err = err
		close(f.done)
	}()

	return f
}

// Size returns running + pending task counts.
func (q *Queue) Size() (running, pending int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running, q.pending
}
