// Package state keeps the locally tracked position book: an in-memory
// view per symbol, persisted through idempotent upserts so corrections
// can replay safely. Quantities are signed, positive for long.
package state

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-engine/internal/events"
	"signal-engine/pkg/db"
	"signal-engine/pkg/errors"
	"signal-engine/pkg/logger"
)

// flatEps is the quantity below which a position counts as flat.
const flatEps = 1e-9

// View is a position with its latest mark folded in.
type View struct {
	db.Position
	MarkPrice     float64
	UnrealizedPnL float64
}

// Correction reports what a reconciliation overwrite replaced.
type Correction struct {
	Symbol   string
	OldQty   float64
	NewQty   float64
	OldEntry float64
	NewEntry float64
}

// Manager keeps the in-memory position book while persisting every
// mutation. One net position per symbol; flips close the old row and
// open a fresh one so each row has a clean open/close lifecycle.
type Manager struct {
	log *logger.Logger
	bus *events.Bus
	db  *db.Database

	mu        sync.RWMutex
	positions map[string]db.Position
	marks     map[string]float64
}

func NewManager(database *db.Database, bus *events.Bus, log *logger.Logger) *Manager {
	return &Manager{
		log:       log,
		bus:       bus,
		db:        database,
		positions: make(map[string]db.Position),
		marks:     make(map[string]float64),
	}
}

// Load seeds the in-memory book from persisted open positions.
func (m *Manager) Load(ctx context.Context) error {
	rows, err := m.db.ListOpenPositions(ctx)
	if err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "load positions")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range rows {
		m.positions[p.Symbol] = p
	}
	m.log.Info("position book loaded", zap.Int("open", len(rows)))
	return nil
}

// Position returns the tracked position for a symbol.
func (m *Manager) Position(symbol string) (db.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[symbol]
	return p, ok
}

// Positions snapshots all tracked positions.
func (m *Manager) Positions() []db.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]db.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out
}

// MarkPrice records the latest mark for a symbol. Marks only feed
// unrealized PnL views; they are not persisted per tick.
func (m *Manager) MarkPrice(symbol string, price float64) {
	m.mu.Lock()
	m.marks[symbol] = price
	m.mu.Unlock()
}

// Views snapshots all positions with marks and unrealized PnL.
func (m *Manager) Views() []View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]View, 0, len(m.positions))
	for symbol, p := range m.positions {
		out = append(out, m.viewLocked(symbol, p))
	}
	return out
}

// ViewOf returns one position with its mark folded in.
func (m *Manager) ViewOf(symbol string) (View, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[symbol]
	if !ok {
		return View{}, false
	}
	return m.viewLocked(symbol, p), true
}

func (m *Manager) viewLocked(symbol string, p db.Position) View {
	v := View{Position: p}
	if mark, ok := m.marks[symbol]; ok {
		v.MarkPrice = mark
		v.UnrealizedPnL = pnl(p.EntryPrice, mark, p.Qty)
	}
	return v
}

// ApplyFill folds one execution into the book: same-direction fills
// re-average the entry, opposing fills realize PnL on the reduced
// quantity, and a fill through zero closes the row and opens a fresh
// one at the fill price. Fees subtract from realized PnL.
func (m *Manager) ApplyFill(ctx context.Context, symbol, side string, qty, price, fee float64) (db.Position, error) {
	if qty <= 0 || price <= 0 {
		return db.Position{}, errors.Newf(errors.CodeValidation, "fill needs positive qty and price")
	}
	signed := qty
	if side == "sell" {
		signed = -qty
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	p, open := m.positions[symbol]

	switch {
	case !open:
		p = db.Position{
			ID:          uuid.NewString(),
			Symbol:      symbol,
			Qty:         signed,
			EntryPrice:  price,
			RealizedPnL: -fee,
			Status:      "open",
			OpenedAt:    now,
			UpdatedAt:   now,
		}

	case sameSign(p.Qty, signed):
		p.EntryPrice = reaverage(p.EntryPrice, p.Qty, price, signed)
		p.Qty += signed
		p.RealizedPnL -= fee
		p.UpdatedAt = now

	default:
		closed := math.Min(math.Abs(signed), math.Abs(p.Qty))
		p.RealizedPnL += pnl(p.EntryPrice, price, math.Copysign(closed, p.Qty)) - fee
		remainder := p.Qty + signed
		if math.Abs(remainder) <= flatEps {
			return m.closeLocked(ctx, p, "flattened", now)
		}
		if !sameSign(remainder, p.Qty) {
			// flipped through zero: retire the old row, open anew
			flipped, err := m.closeLocked(ctx, p, "flipped", now)
			if err != nil {
				return flipped, err
			}
			p = db.Position{
				ID:         uuid.NewString(),
				Symbol:     symbol,
				Qty:        remainder,
				EntryPrice: price,
				Status:     "open",
				OpenedAt:   now,
				UpdatedAt:  now,
			}
		} else {
			p.Qty = remainder
			p.UpdatedAt = now
		}
	}

	if err := m.db.UpsertPosition(ctx, p); err != nil {
		return db.Position{}, errors.Wrapf(err, errors.CodeInternal, "persist position %s", symbol)
	}
	m.positions[symbol] = p
	m.publish(events.EventPositionUpdated, symbol, p, "fill")
	return p, nil
}

// closeLocked retires a row: realized PnL is final, the book entry is
// removed, and the close is persisted and published.
func (m *Manager) closeLocked(ctx context.Context, p db.Position, reason string, now time.Time) (db.Position, error) {
	p.Qty = 0
	p.Status = "closed"
	p.CloseReason = reason
	p.UpdatedAt = now
	if err := m.db.UpsertPosition(ctx, p); err != nil {
		return db.Position{}, errors.Wrapf(err, errors.CodeInternal, "persist close %s", p.Symbol)
	}
	if err := m.db.ClosePosition(ctx, p.ID, reason); err != nil {
		return db.Position{}, errors.Wrapf(err, errors.CodeInternal, "close position %s", p.Symbol)
	}
	delete(m.positions, p.Symbol)
	m.publish(events.EventPositionClosed, p.Symbol, p, reason)
	return p, nil
}

// AdoptRemote inserts a position discovered at the venue but absent
// locally. Reconciliation calls this when the venue is ground truth.
func (m *Manager) AdoptRemote(ctx context.Context, symbol string, qty, entry float64) (db.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.positions[symbol]; ok {
		return existing, nil
	}
	now := time.Now()
	p := db.Position{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Qty:        qty,
		EntryPrice: entry,
		Status:     "open",
		OpenedAt:   now,
		UpdatedAt:  now,
	}
	if err := m.db.UpsertPosition(ctx, p); err != nil {
		return db.Position{}, errors.Wrapf(err, errors.CodeInternal, "adopt position %s", symbol)
	}
	m.positions[symbol] = p
	m.publish(events.EventPositionUpdated, symbol, p, "adopted")
	return p, nil
}

// CloseExternal closes a locally tracked position that the venue no
// longer reports. The exit price is unknown, so realized PnL is
// estimated at the last mark when one exists. Closing an untracked
// symbol is a no-op, which keeps replayed corrections harmless.
func (m *Manager) CloseExternal(ctx context.Context, symbol, reason string) (db.Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[symbol]
	if !ok {
		return db.Position{}, false, nil
	}
	if mark, haveMark := m.marks[symbol]; haveMark {
		p.RealizedPnL += pnl(p.EntryPrice, mark, p.Qty)
	}
	closed, err := m.closeLocked(ctx, p, reason, time.Now())
	if err != nil {
		return db.Position{}, false, err
	}
	return closed, true, nil
}

// Correct overwrites quantity and entry with the venue's values and
// reports what changed. Re-applying the same remote view changes
// nothing, so duplicated correction deliveries are safe.
func (m *Manager) Correct(ctx context.Context, symbol string, qty, entry float64) (Correction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[symbol]
	if !ok {
		return Correction{}, false, errors.Newf(errors.CodeNotFound, "no tracked position for %s", symbol)
	}
	c := Correction{
		Symbol:   symbol,
		OldQty:   p.Qty,
		NewQty:   qty,
		OldEntry: p.EntryPrice,
		NewEntry: entry,
	}
	if nearlyEqual(p.Qty, qty) && nearlyEqual(p.EntryPrice, entry) {
		return c, false, nil
	}
	p.Qty = qty
	p.EntryPrice = entry
	p.UpdatedAt = time.Now()
	if err := m.db.UpsertPosition(ctx, p); err != nil {
		return Correction{}, false, errors.Wrapf(err, errors.CodeInternal, "persist correction %s", symbol)
	}
	m.positions[symbol] = p
	m.publish(events.EventPositionUpdated, symbol, p, "corrected")
	return c, true, nil
}

func (m *Manager) publish(topic events.Event, symbol string, p db.Position, reason string) {
	payload := events.PositionPayload{
		Symbol:      symbol,
		Qty:         p.Qty,
		EntryPrice:  p.EntryPrice,
		RealizedPnL: p.RealizedPnL,
		Reason:      reason,
		At:          time.Now(),
	}
	if mark, ok := m.marks[symbol]; ok {
		payload.MarkPrice = mark
		payload.UnrealizedPnL = pnl(p.EntryPrice, mark, p.Qty)
	}
	m.bus.Publish(topic, payload)
}

// pnl computes signed profit for a signed quantity between two prices.
func pnl(entry, exit, qty float64) float64 {
	d := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(entry))
	out, _ := d.Mul(decimal.NewFromFloat(qty)).Float64()
	return out
}

// reaverage blends an add-on fill into the entry price.
func reaverage(entry, heldQty, price, addQty float64) float64 {
	held := decimal.NewFromFloat(math.Abs(heldQty))
	add := decimal.NewFromFloat(math.Abs(addQty))
	total := held.Add(add)
	if total.IsZero() {
		return entry
	}
	cost := decimal.NewFromFloat(entry).Mul(held).Add(decimal.NewFromFloat(price).Mul(add))
	out, _ := cost.Div(total).Float64()
	return out
}

func sameSign(a, b float64) bool {
	return (a >= 0) == (b >= 0)
}

func nearlyEqual(a, b float64) bool {
	return math.Abs(a-b) <= flatEps
}
