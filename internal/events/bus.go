package events

import (
	"sync"
)

// Bus is a pub/sub broker with at-least-once delivery per subscriber.
// Each subscriber owns an unbounded pending queue drained by its own
// pump goroutine, so a slow consumer delays only itself and publishers
// never block or drop.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Event][]*subscription
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]*subscription)}
}

// Subscribe registers a listener for a topic and returns the delivery
// channel and an unsubscribe function. The channel closes after
// unsubscribe (or bus Close); events still pending at that point are
// discarded.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	sub := &subscription{
		out:  make(chan any, buffer),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.out)
		return sub.out, func() {}
	}
	b.subs[e] = append(b.subs[e], sub)
	b.mu.Unlock()

	go sub.pump()

	unsub := func() {
		b.mu.Lock()
		subs := b.subs[e]
		for i, s := range subs {
			if s == sub {
				b.subs[e] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.close()
	}
	return sub.out, unsub
}

// Publish enqueues the payload for every current subscriber of the
// topic. Enqueue is append plus a wake signal, so Publish returns
// without waiting on any consumer.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[e] {
		sub.push(payload)
	}
}

// SubscriberCount reports active subscribers for a topic.
func (b *Bus) SubscriberCount(e Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[e])
}

// Close shuts every subscription down and rejects new ones.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscription
	for topic, subs := range b.subs {
		all = append(all, subs...)
		delete(b.subs, topic)
	}
	b.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
}

type subscription struct {
	out  chan any
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	queue   []any
	stopped bool

	closeOnce sync.Once
}

func (s *subscription) push(payload any) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, payload)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		item := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- item:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
}
