package async

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Enqueue after Close, and by Dequeue once a closed queue is drained.
var ErrQueueClosed = errors.New("queue closed")

// Queue is an unbounded FIFO of JobRequests, safe for concurrent producers and consumers.
type Queue struct {
	mu     sync.Mutex
	items  []JobRequest
	closed bool

	signal chan struct{} // capacity 1; a token means "items may be available"
	done   chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Enqueue appends req without blocking.
func (q *Queue) Enqueue(req JobRequest) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, req)
	q.mu.Unlock()
	q.notify()
	return nil
}

// Dequeue blocks until an item is available, ctx is done, or the queue is closed and empty.
func (q *Queue) Dequeue(ctx context.Context) (JobRequest, error) {
	for {
		if err := ctx.Err(); err != nil {
			return JobRequest{}, err
		}

		q.mu.Lock()
		if len(q.items) > 0 {
			req := q.items[0]
			q.items[0] = JobRequest{}
			q.items = q.items[1:]
			if len(q.items) == 0 {
				q.items = nil
			}
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				// pass the token on to another waiting consumer
				q.notify()
			}
			return req, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return JobRequest{}, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return JobRequest{}, ctx.Err()
		case <-q.signal:
		case <-q.done:
		}
	}
}

// Close rejects further Enqueue calls and wakes blocked consumers. Items already queued can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns a copy of the queued items in dequeue order.
func (q *Queue) Pending() []JobRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]JobRequest, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
