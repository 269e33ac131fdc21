package realtime

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueEmpty is returned by Pop when the poll timeout elapses
	ErrQueueEmpty = errors.New("queue empty")

	// ErrQueueClosed is returned by Pop once the queue is closed
	ErrQueueClosed = errors.New("queue closed")
)

// Queue is an unbounded FIFO with task accounting. Every item handed out by
// Pop must be acknowledged with TaskDone; Join waits until all pushed items
// have been acknowledged.
type Queue[T any] struct {
	mu         sync.Mutex
	items      []T
	unfinished int
	closed     bool
	changed    chan struct{} // closed and replaced on every push or close
	idle       chan struct{} // closed while unfinished == 0
}

// NewQueue creates an empty queue
func NewQueue[T any]() *Queue[T] {
	idle := make(chan struct{})
	close(idle)
	return &Queue[T]{changed: make(chan struct{}), idle: idle}
}

// Push appends v. It reports false, dropping v, when the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, v)
	q.unfinished++
	if q.unfinished == 1 {
		q.idle = make(chan struct{})
	}
	q.broadcast()
	return true
}

// Pop removes the oldest item, waiting up to timeout for one to arrive.
func (q *Queue[T]) Pop(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrQueueClosed
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return zero, ErrQueueEmpty
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// TaskDone acknowledges one popped item
func (q *Queue[T]) TaskDone() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.unfinished == 0 {
		return
	}
	q.unfinished--
	if q.unfinished == 0 {
		close(q.idle)
	}
}

// Join blocks until every pushed item has been acknowledged or ctx ends
func (q *Queue[T]) Join(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of items waiting to be popped
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close discards queued items, releases Join waiters and makes Push a no-op.
// Calling Close more than once is safe.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	if q.unfinished > 0 {
		q.unfinished = 0
		close(q.idle)
	}
	q.broadcast()
}

func (q *Queue[T]) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}
