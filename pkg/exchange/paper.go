package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PriceSource supplies the latest observed price for a symbol.
type PriceSource interface {
	Price(symbol string) (float64, bool)
}

// SimConfig tunes the paper venue's fill behaviour.
type SimConfig struct {
	FeeRate      float64 // decimal, e.g. 0.0004 = 4 bps
	SlippageBps  float64 // basis points of slippage applied on fills
	LatencyMinMs int     // simulated venue latency lower bound
	LatencyMaxMs int     // simulated venue latency upper bound
}

// PaperAdapter is an in-process venue. Market orders fill immediately
// at the last observed price plus slippage; the adapter keeps its own
// position book so the reconciler has real ground truth to diff
// against. An outage switch lets callers simulate venue downtime.
type PaperAdapter struct {
	prices PriceSource
	cfg    SimConfig
	rng    *rand.Rand

	mu          sync.RWMutex
	positions   map[string]*PositionSnapshot
	unavailable bool
}

// NewPaperAdapter creates a paper venue over the given price source.
func NewPaperAdapter(prices PriceSource, cfg SimConfig) *PaperAdapter {
	if cfg.LatencyMaxMs > 0 && cfg.LatencyMinMs > cfg.LatencyMaxMs {
		cfg.LatencyMinMs, cfg.LatencyMaxMs = cfg.LatencyMaxMs, cfg.LatencyMinMs
	}
	return &PaperAdapter{
		prices:    prices,
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		positions: make(map[string]*PositionSnapshot),
	}
}

var _ Gateway = (*PaperAdapter)(nil)

// SetUnavailable toggles simulated venue downtime. While set, every
// call fails with a TransientError.
func (p *PaperAdapter) SetUnavailable(down bool) {
	p.mu.Lock()
	p.unavailable = down
	p.mu.Unlock()
}

func (p *PaperAdapter) checkUp() error {
	p.mu.RLock()
	down := p.unavailable
	p.mu.RUnlock()
	if down {
		return &TransientError{Cause: fmt.Errorf("simulated venue outage")}
	}
	return nil
}

// SubmitOrder fills the order against the last observed price.
func (p *PaperAdapter) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := p.checkUp(); err != nil {
		return OrderResult{}, err
	}
	if req.Qty <= 0 {
		return OrderResult{}, &RejectionError{Reason: "quantity must be positive"}
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return OrderResult{}, &RejectionError{Reason: fmt.Sprintf("unknown side %q", req.Side)}
	}

	if err := p.simulateLatency(ctx); err != nil {
		return OrderResult{}, err
	}

	last, ok := p.prices.Price(req.Symbol)
	if !ok || last <= 0 {
		return OrderResult{}, &TransientError{Cause: fmt.Errorf("no price for %s", req.Symbol)}
	}

	fillPrice := p.applySlippage(last, req.Side)
	fee := decimal.NewFromFloat(fillPrice).
		Mul(decimal.NewFromFloat(req.Qty)).
		Mul(decimal.NewFromFloat(p.cfg.FeeRate))

	p.applyFill(req.Symbol, req.Side, req.Qty, fillPrice, last)

	feeF, _ := fee.Float64()
	return OrderResult{
		VenueOrderID: uuid.NewString(),
		ClientID:     req.ClientID,
		Status:       AckFilled,
		FillPrice:    fillPrice,
		FilledQty:    req.Qty,
		Fee:          feeF,
	}, nil
}

// CancelOrder is a no-op on the paper venue because fills are
// synchronous; cancels of already-terminal orders must stay harmless.
func (p *PaperAdapter) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	if err := p.checkUp(); err != nil {
		return err
	}
	return nil
}

// GetPositions returns the venue's position book.
func (p *PaperAdapter) GetPositions(ctx context.Context) ([]PositionSnapshot, error) {
	if err := p.checkUp(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]PositionSnapshot, 0, len(p.positions))
	for _, pos := range p.positions {
		snap := *pos
		if last, ok := p.prices.Price(pos.Symbol); ok && last > 0 {
			snap.MarkPrice = last
			pnl := decimal.NewFromFloat(last).
				Sub(decimal.NewFromFloat(pos.EntryPrice)).
				Mul(decimal.NewFromFloat(pos.Qty))
			snap.UnrealizedPnL, _ = pnl.Float64()
		}
		out = append(out, snap)
	}
	return out, nil
}

// GetPrice returns the last observed price for a symbol.
func (p *PaperAdapter) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if err := p.checkUp(); err != nil {
		return 0, err
	}
	last, ok := p.prices.Price(symbol)
	if !ok || last <= 0 {
		return 0, &TransientError{Cause: fmt.Errorf("no price for %s", symbol)}
	}
	return last, nil
}

// ForceClose drops a position on the venue side. Tests and the demo use
// it to provoke externally_closed reconciliation events.
func (p *PaperAdapter) ForceClose(symbol string) {
	p.mu.Lock()
	delete(p.positions, symbol)
	p.mu.Unlock()
}

// ForceAdopt installs a position on the venue side that the engine has
// never seen, as if it were opened out-of-band.
func (p *PaperAdapter) ForceAdopt(snap PositionSnapshot) {
	p.mu.Lock()
	cp := snap
	cp.UpdatedAt = time.Now()
	p.positions[snap.Symbol] = &cp
	p.mu.Unlock()
}

func (p *PaperAdapter) simulateLatency(ctx context.Context) error {
	if p.cfg.LatencyMaxMs <= 0 {
		return nil
	}
	minMs := p.cfg.LatencyMinMs
	if minMs < 0 {
		minMs = 0
	}
	span := p.cfg.LatencyMaxMs - minMs
	delayMs := minMs
	if span > 0 {
		delayMs += p.rng.Intn(span + 1)
	}
	if delayMs <= 0 {
		return nil
	}
	select {
	case <-time.After(time.Duration(delayMs) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return &TransientError{Cause: ctx.Err()}
	}
}

func (p *PaperAdapter) applySlippage(price float64, side Side) float64 {
	frac := p.cfg.SlippageBps / 10000.0
	if frac <= 0 {
		return price
	}
	noise := p.rng.Float64() * frac
	if side == SideBuy {
		return price * (1 + noise)
	}
	return price * (1 - noise)
}

func (p *PaperAdapter) applyFill(symbol string, side Side, qty, price, mark float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	signed := qty
	if side == SideSell {
		signed = -qty
	}

	pos, exists := p.positions[symbol]
	if !exists {
		p.positions[symbol] = &PositionSnapshot{
			Symbol:     symbol,
			Qty:        signed,
			EntryPrice: price,
			MarkPrice:  mark,
			UpdatedAt:  time.Now(),
		}
		return
	}

	newQty := pos.Qty + signed
	const eps = 1e-9
	if newQty > -eps && newQty < eps {
		delete(p.positions, symbol)
		return
	}

	// Same direction adds re-average the entry; reductions keep it.
	if (pos.Qty > 0) == (signed > 0) {
		total := decimal.NewFromFloat(pos.EntryPrice).Mul(decimal.NewFromFloat(pos.Qty)).
			Add(decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(signed)))
		entry := total.Div(decimal.NewFromFloat(newQty))
		pos.EntryPrice, _ = entry.Float64()
	}
	pos.Qty = newQty
	pos.MarkPrice = mark
	pos.UpdatedAt = time.Now()
}
