// Package memory provides the bounded in-memory task queue feeding workers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/column-mirror/internal/mirror"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan mirror.Task
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan mirror.Task, capacity),
	}
}

// Enqueue pushes a task into the queue or returns if the context ends.
// Enqueue after Close returns ErrClosed.
func (q *Queue) Enqueue(ctx context.Context, task mirror.Task) (err error) {
	q.closeMu.Lock()
	closed := q.closed
	q.closeMu.Unlock()
	if closed {
		return ErrClosed
	}
	defer func() {
		// A concurrent Close between the check and the send.
		if recover() != nil {
			err = ErrClosed
		}
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation. Tasks still
// buffered after Close are delivered before ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (mirror.Task, error) {
	if err := ctx.Err(); err != nil {
		return mirror.Task{}, fmt.Errorf("dequeue canceled: %w", err)
	}
	select {
	case <-ctx.Done():
		return mirror.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return mirror.Task{}, ErrClosed
		}
		return task, nil
	}
}

// Len returns the number of buffered tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel; consumers drain what is left.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
