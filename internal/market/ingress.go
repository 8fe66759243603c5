package market

import (
	"context"
	"sync"
	"sync/atomic"
)

// Ingress adapts push-style tick delivery to the Feed interface. A live
// venue stream calls Push once per tick; the ingestor consumes the other
// end like any feed. Push never blocks the caller: when the consumer
// falls behind, ticks are shed and counted, and the per-symbol arrival
// order of the ticks that do get through is preserved.
type Ingress struct {
	ch      chan Tick
	dropped atomic.Int64

	mu     sync.Mutex
	closed bool
}

// NewIngress creates an ingress with the given buffer. A non-positive
// buffer gets a sane default.
func NewIngress(buffer int) *Ingress {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Ingress{ch: make(chan Tick, buffer)}
}

// Push hands one tick to the consumer. It reports false when the tick
// was shed, either because the buffer is full or the ingress is closed.
func (g *Ingress) Push(t Tick) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.dropped.Add(1)
		return false
	}
	select {
	case g.ch <- t:
		g.mu.Unlock()
		return true
	default:
		g.mu.Unlock()
		g.dropped.Add(1)
		return false
	}
}

// Dropped reports how many ticks were shed since creation.
func (g *Ingress) Dropped() int64 {
	return g.dropped.Load()
}

// Close stops accepting pushes. Run drains what was already buffered
// and then returns.
func (g *Ingress) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	close(g.ch)
}

// Run forwards pushed ticks to the consumer until ctx ends or the
// ingress is closed and drained.
func (g *Ingress) Run(ctx context.Context, out chan<- Tick) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-g.ch:
			if !ok {
				return nil
			}
			select {
			case out <- t:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
