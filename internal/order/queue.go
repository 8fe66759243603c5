package order

import (
	"context"
	"sync"
)

// Queue buffers orders between the executor's intake and its worker
// pool. TryEnqueue never blocks; a full queue is backpressure, not an
// error.
type Queue struct {
	ch chan Order

	mu       sync.Mutex
	notional float64
	closed   bool
}

// NewQueue creates a queue holding up to size orders.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{ch: make(chan Order, size)}
}

// TryEnqueue adds the order if capacity remains, reporting success.
func (q *Queue) TryEnqueue(o Order) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- o:
		q.notional += o.Notional()
		return true
	default:
		return false
	}
}

// Drain consumes orders with handler until ctx is cancelled or the
// queue is closed and empty.
func (q *Queue) Drain(ctx context.Context, handler func(Order)) {
	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-q.ch:
			if !ok {
				return
			}
			q.mu.Lock()
			q.notional -= o.Notional()
			if q.notional < 0 {
				q.notional = 0
			}
			q.mu.Unlock()
			handler(o)
		}
	}
}

// Len reports buffered orders.
func (q *Queue) Len() int {
	return len(q.ch)
}

// PendingNotional reports the quote value sitting in the queue, an
// input to pre-trade exposure checks.
func (q *Queue) PendingNotional() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.notional
}

// Close stops intake. Buffered orders still drain.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
