// Package queue holds the in-process job queue between the batch collector and
// the worker pool, plus the asynq task used to hand sealed batches to the
// manifest worker.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dharsanguruparan/DropWatch/internal/model"
)

var (
	// ErrClosed is returned by Push after Close, and by Pop once the queue is
	// closed and drained.
	ErrClosed = errors.New("job queue closed")
	// ErrFull is returned by TryPush when no slot is free.
	ErrFull = errors.New("job queue full")
	// ErrEmpty is returned by Pop when the timeout passes with nothing queued.
	ErrEmpty = errors.New("job queue empty")
)

// JobQueue is a bounded FIFO of tasks. Any number of goroutines may push and
// pop; callers must not add locking of their own.
type JobQueue struct {
	items     chan model.Task
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// New builds a JobQueue holding at most size tasks.
func New(size int) *JobQueue {
	if size <= 0 {
		size = 1
	}
	return &JobQueue{items: make(chan model.Task, size), done: make(chan struct{})}
}

// Push blocks until the task is queued, the queue is closed or ctx ends.
func (q *JobQueue) Push(ctx context.Context, task model.Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.items <- task:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush queues the task only if a slot is free right now.
func (q *JobQueue) TryPush(task model.Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.items <- task:
		return nil
	default:
		return ErrFull
	}
}

// Pop waits up to timeout for a task. Tasks queued before Close are still
// returned; ErrClosed means closed and empty.
func (q *JobQueue) Pop(timeout time.Duration) (model.Task, error) {
	if timeout <= 0 {
		select {
		case task, ok := <-q.items:
			if !ok {
				return model.Task{}, ErrClosed
			}
			return task, nil
		default:
			return model.Task{}, ErrEmpty
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case task, ok := <-q.items:
		if !ok {
			return model.Task{}, ErrClosed
		}
		return task, nil
	case <-timer.C:
		return model.Task{}, ErrEmpty
	}
}

// Close stops admissions and wakes idle consumers once the queue drains.
// Producers blocked in Push return ErrClosed.
func (q *JobQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.items)
}

// Closed reports whether Close was called.
func (q *JobQueue) Closed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Len returns the number of queued tasks.
func (q *JobQueue) Len() int { return len(q.items) }

// Cap returns the queue capacity.
func (q *JobQueue) Cap() int { return cap(q.items) }
