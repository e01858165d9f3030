package bridge

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO with many producers and one consumer.
// Push never blocks; Pop blocks on a channel signal until work arrives.
type Queue struct {
	mu     sync.Mutex
	items  []Request
	ready  chan struct{} // cap 1: "items may be non-empty"
	closed bool
}

func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

func (q *Queue) Push(r Request) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, r)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop returns the oldest request, waiting for one if the queue is empty.
func (q *Queue) Pop(ctx context.Context) (Request, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			r := q.items[0]
			q.items[0] = Request{}
			q.items = q.items[1:]
			if len(q.items) == 0 {
				q.items = nil
			}
			q.mu.Unlock()
			return r, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Request{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Request{}, ctx.Err()
		case <-q.ready:
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes. Pending items can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}
