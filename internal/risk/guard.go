package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signal-engine/internal/events"
	"signal-engine/internal/state"
	"signal-engine/internal/tasks"
	"signal-engine/pkg/logger"
)

// arm is one position's protective levels. The watermark carries the
// best price seen since arming and drives the trailing stop.
type arm struct {
	long        bool
	entry       float64
	stop        float64
	take        float64
	trailing    bool
	trailingPct float64
	watermark   float64
}

// Guard forces protective exits. It arms levels from position events,
// walks them on every tick, and on a trigger emits a normal exit
// signal so the close rides the same execution path as any other
// order, plus a risk alert for the record. One arm fires at most once.
type Guard struct {
	log  *logger.Logger
	bus  *events.Bus
	book *state.Manager
	mgr  *Manager

	mu        sync.Mutex
	sessionID string
	arms      map[string]*arm
}

func NewGuard(mgr *Manager, book *state.Manager, bus *events.Bus, log *logger.Logger) *Guard {
	if log == nil {
		log = logger.NewNop()
	}
	return &Guard{
		log:  log,
		bus:  bus,
		book: book,
		mgr:  mgr,
		arms: make(map[string]*arm),
	}
}

// SetSession tags forced exits with the active session. An empty ID
// disarms everything.
func (g *Guard) SetSession(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessionID = id
	if id == "" {
		g.arms = make(map[string]*arm)
	}
}

// Start registers the watcher task.
func (g *Guard) Start(ctx context.Context, reg *tasks.Registry) error {
	positions, unsubPos := g.bus.Subscribe(events.EventPositionUpdated, 32)
	closes, unsubClose := g.bus.Subscribe(events.EventPositionClosed, 32)
	ticks, unsubTicks := g.bus.Subscribe(events.EventMarketTick, 256)
	return reg.Go(ctx, "protective-exits", func(taskCtx context.Context) error {
		defer unsubPos()
		defer unsubClose()
		defer unsubTicks()
		for {
			select {
			case <-taskCtx.Done():
				return nil
			case msg, ok := <-positions:
				if !ok {
					return nil
				}
				if p, ok := msg.(events.PositionPayload); ok {
					g.onPosition(p)
				}
			case msg, ok := <-closes:
				if !ok {
					return nil
				}
				if p, ok := msg.(events.PositionPayload); ok {
					g.disarm(p.Symbol)
				}
			case msg, ok := <-ticks:
				if !ok {
					return nil
				}
				if t, ok := msg.(events.TickPayload); ok {
					g.onTick(t)
				}
			}
		}
	})
}

// Armed reports whether a symbol currently has protective levels.
func (g *Guard) Armed(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.arms[symbol]
	return ok
}

// onPosition arms or re-arms a symbol from its entry price. Re-arming
// after an add-on fill resets the trail to the new blended entry.
func (g *Guard) onPosition(p events.PositionPayload) {
	lim := g.mgr.Limits()
	if lim.StopLossPct <= 0 && lim.TakeProfitPct <= 0 && !lim.Trailing {
		return
	}
	if math.Abs(p.Qty) <= 0 || p.EntryPrice <= 0 {
		g.disarm(p.Symbol)
		return
	}

	long := p.Qty > 0
	a := &arm{
		long:        long,
		entry:       p.EntryPrice,
		trailing:    lim.Trailing,
		trailingPct: lim.TrailingPct,
		watermark:   p.EntryPrice,
	}
	if lim.StopLossPct > 0 {
		if long {
			a.stop = p.EntryPrice * (1 - lim.StopLossPct)
		} else {
			a.stop = p.EntryPrice * (1 + lim.StopLossPct)
		}
	}
	if lim.TakeProfitPct > 0 {
		if long {
			a.take = p.EntryPrice * (1 + lim.TakeProfitPct)
		} else {
			a.take = p.EntryPrice * (1 - lim.TakeProfitPct)
		}
	}

	g.mu.Lock()
	g.arms[p.Symbol] = a
	g.mu.Unlock()
}

func (g *Guard) disarm(symbol string) {
	g.mu.Lock()
	delete(g.arms, symbol)
	g.mu.Unlock()
}

func (g *Guard) onTick(t events.TickPayload) {
	g.mu.Lock()
	a, ok := g.arms[t.Symbol]
	if !ok {
		g.mu.Unlock()
		return
	}

	if a.trailing && a.trailingPct > 0 {
		if a.long && t.Price > a.watermark {
			a.watermark = t.Price
			a.stop = a.watermark * (1 - a.trailingPct)
		} else if !a.long && t.Price < a.watermark {
			a.watermark = t.Price
			a.stop = a.watermark * (1 + a.trailingPct)
		}
	}

	rule := ""
	switch {
	case a.stop > 0 && (a.long && t.Price <= a.stop || !a.long && t.Price >= a.stop):
		rule = "stop_loss"
	case a.take > 0 && (a.long && t.Price >= a.take || !a.long && t.Price <= a.take):
		rule = "take_profit"
	}
	if rule == "" {
		g.mu.Unlock()
		return
	}
	level := a.stop
	if rule == "take_profit" {
		level = a.take
	}
	delete(g.arms, t.Symbol)
	sessionID := g.sessionID
	g.mu.Unlock()

	g.forceExit(t.Symbol, sessionID, rule, t.Price, level)
}

func (g *Guard) forceExit(symbol, sessionID, rule string, price, level float64) {
	pos, ok := g.book.Position(symbol)
	if !ok || math.Abs(pos.Qty) <= 0 {
		return
	}
	kind := "sell"
	if pos.Qty < 0 {
		kind = "buy"
	}

	g.log.Warn("protective exit triggered",
		zap.String("symbol", symbol),
		zap.String("rule", rule),
		zap.Float64("price", price),
		zap.Float64("level", level),
		zap.Float64("qty", pos.Qty))

	now := time.Now()
	g.bus.Publish(events.EventRiskAlert, events.RiskAlertPayload{
		SessionID: sessionID,
		Symbol:    symbol,
		Rule:      rule,
		Severity:  "warning",
		Message:   fmt.Sprintf("%s triggered at %.4f", rule, price),
		Value:     price,
		Limit:     level,
		At:        now,
	})
	g.bus.Publish(events.EventSignalGenerated, events.SignalPayload{
		SignalID:  uuid.NewString(),
		SessionID: sessionID,
		Symbol:    symbol,
		Strategy:  "protective_exit",
		Kind:      kind,
		Strength:  1,
		Price:     price,
		Size:      math.Abs(pos.Qty),
		At:        now,
	})
}
