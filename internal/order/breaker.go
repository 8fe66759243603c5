package order

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-engine/pkg/logger"
)

// BreakerState is the circuit breaker's position.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker isolates the venue adapter when it fails repeatedly. Closed
// passes everything through; maxFailures consecutive failures open it;
// after cooldown it half-opens and probeTarget consecutive successes
// close it again. Any failure while half-open reopens immediately.
type Breaker struct {
	log *logger.Logger

	mu          sync.Mutex
	state       BreakerState
	failures    int
	probes      int
	lastFailure time.Time

	maxFailures int
	cooldown    time.Duration
	probeTarget int
}

// NewBreaker builds a closed breaker.
func NewBreaker(maxFailures int, cooldown time.Duration, probeTarget int, log *logger.Logger) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if probeTarget <= 0 {
		probeTarget = 2
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Breaker{
		log:         log,
		state:       BreakerClosed,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		probeTarget: probeTarget,
	}
}

// Allow reports whether a call may proceed, moving open to half-open
// once the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if time.Since(b.lastFailure) > b.cooldown {
			b.state = BreakerHalfOpen
			b.probes = 0
			b.log.Info("circuit breaker half-open, probing venue")
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess notes a successful venue call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.probes++
		if b.probes >= b.probeTarget {
			b.state = BreakerClosed
			b.failures = 0
			b.probes = 0
			b.log.Info("circuit breaker closed, venue recovered")
		}
	}
}

// RecordFailure notes a failed venue call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.maxFailures {
			b.state = BreakerOpen
			b.log.Warn("circuit breaker open",
				zap.Int("consecutive_failures", b.failures),
				zap.Duration("cooldown", b.cooldown))
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.probes = 0
		b.log.Warn("circuit breaker reopened, probe failed")
	}
}

// State returns the current breaker position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

const (
	backoffBase = 1 * time.Second
	backoffCap  = 60 * time.Second
)

// backoffDelay returns backoffBase * 2^attempt capped at backoffCap.
func backoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		return backoffBase
	}
	if attempt > 30 {
		return backoffCap
	}
	d := backoffBase * time.Duration(1<<uint(attempt))
	if d > backoffCap {
		return backoffCap
	}
	return d
}
