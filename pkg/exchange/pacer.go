package exchange

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer bounds how fast the engine talks to the venue adapter. Venues
// ban clients that burst past their weight budget, so submissions wait
// here before going out.
type Pacer struct {
	limiter *rate.Limiter

	mu       sync.Mutex
	waits    int64
	lastWait time.Time
}

// NewPacer allows perSec calls per second with a burst of one extra.
func NewPacer(perSec float64) *Pacer {
	if perSec <= 0 {
		perSec = 1
	}
	return &Pacer{
		limiter: rate.NewLimiter(rate.Limit(perSec), 2),
	}
}

// Wait blocks until the next call is allowed or ctx is cancelled.
func (p *Pacer) Wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.waits++
	p.lastWait = time.Now()
	p.mu.Unlock()
	return nil
}

// Allow reports whether a call may proceed right now without waiting.
func (p *Pacer) Allow() bool {
	return p.limiter.Allow()
}

// Usage returns how many paced calls have gone through and when the
// last one left.
func (p *Pacer) Usage() (calls int64, last time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waits, p.lastWait
}
