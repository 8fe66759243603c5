// Package balance tracks account equity: total, available and locked
// quote currency. Reservations move available to locked before an
// order goes out; settlement resolves the reservation against the
// actual fill so the total = available + locked invariant holds.
package balance

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-engine/pkg/errors"
	"signal-engine/pkg/logger"
)

// Snapshot is a point-in-time balance view.
type Snapshot struct {
	Total     float64
	Available float64
	Locked    float64
	LastSync  time.Time
}

// Source supplies venue ground truth for live accounts. Paper sessions
// run without one.
type Source interface {
	AccountBalance(ctx context.Context) (Snapshot, error)
}

// Manager guards the equity book. All mutation happens in decimal and
// is rounded only at the snapshot boundary.
type Manager struct {
	log    *logger.Logger
	source Source

	mu        sync.RWMutex
	total     decimal.Decimal
	available decimal.Decimal
	locked    decimal.Decimal
	lastSync  time.Time
}

// NewManager creates a manager seeded with an initial balance. source
// may be nil for paper and backtest sessions.
func NewManager(initial float64, source Source, log *logger.Logger) *Manager {
	m := &Manager{log: log, source: source}
	m.SetInitial(initial)
	return m
}

// SetInitial resets the book to a fresh balance with nothing locked.
func (m *Manager) SetInitial(amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = decimal.NewFromFloat(amount)
	m.available = m.total
	m.locked = decimal.Zero
	m.log.Info("balance initialized", zap.Float64("total", amount))
}

// Snapshot returns the current balance.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Total:     f(m.total),
		Available: f(m.available),
		Locked:    f(m.locked),
		LastSync:  m.lastSync,
	}
}

// Available returns spendable quote currency.
func (m *Manager) Available() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return f(m.available)
}

// Reserve moves amount from available to locked ahead of a submission.
func (m *Manager) Reserve(amount float64) error {
	if amount <= 0 {
		return errors.Newf(errors.CodeValidation, "reserve needs a positive amount, got %v", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a := decimal.NewFromFloat(amount)
	if a.GreaterThan(m.available) {
		return errors.Newf(errors.CodeValidation,
			"insufficient balance: need %s, have %s", a.StringFixed(8), m.available.StringFixed(8))
	}
	m.available = m.available.Sub(a)
	m.locked = m.locked.Add(a)
	m.log.Debug("balance reserved",
		zap.Float64("amount", amount), zap.String("available", m.available.String()))
	return nil
}

// Release returns a reservation to available, clamped so replayed
// releases cannot drive locked negative.
func (m *Manager) Release(amount float64) {
	if amount <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a := decimal.NewFromFloat(amount)
	if a.GreaterThan(m.locked) {
		a = m.locked
	}
	m.locked = m.locked.Sub(a)
	m.available = m.available.Add(a)
}

// SettleBuy resolves a buy fill: the reservation is consumed, the
// actual cost plus fee leaves the book, and any over-reservation flows
// back to available.
func (m *Manager) SettleBuy(reserved, cost, fee float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := decimal.NewFromFloat(reserved)
	if r.GreaterThan(m.locked) {
		r = m.locked
	}
	spend := decimal.NewFromFloat(cost).Add(decimal.NewFromFloat(fee))
	m.locked = m.locked.Sub(r)
	m.available = m.available.Add(r).Sub(spend)
	m.total = m.total.Sub(spend)
	m.log.Debug("buy settled",
		zap.Float64("cost", cost), zap.Float64("fee", fee), zap.String("total", m.total.String()))
}

// SettleSell credits sale proceeds net of fee.
func (m *Manager) SettleSell(proceeds, fee float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	net := decimal.NewFromFloat(proceeds).Sub(decimal.NewFromFloat(fee))
	m.available = m.available.Add(net)
	m.total = m.total.Add(net)
	m.log.Debug("sell settled",
		zap.Float64("proceeds", proceeds), zap.Float64("fee", fee), zap.String("total", m.total.String()))
}

// Sync pulls venue ground truth and overwrites the local book. Without
// a source it is a no-op.
func (m *Manager) Sync(ctx context.Context) error {
	if m.source == nil {
		return nil
	}
	remote, err := m.source.AccountBalance(ctx)
	if err != nil {
		return errors.Wrapf(err, errors.CodeServiceUnavailable, "balance sync")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = decimal.NewFromFloat(remote.Total)
	m.available = decimal.NewFromFloat(remote.Available)
	m.locked = decimal.NewFromFloat(remote.Locked)
	m.lastSync = time.Now()
	m.log.Info("balance synced",
		zap.Float64("total", remote.Total),
		zap.Float64("available", remote.Available),
		zap.Float64("locked", remote.Locked))
	return nil
}

// Run periodically syncs until ctx is cancelled. It is shaped to run
// under the task registry.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if m.source == nil || interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Sync(ctx); err != nil {
				m.log.Warn("balance sync failed", zap.Error(err))
			}
		}
	}
}

func f(d decimal.Decimal) float64 {
	out, _ := d.Float64()
	return out
}
