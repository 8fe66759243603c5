// Package risk gates order flow. The manager vetoes submissions that
// would breach session limits and the guard forces protective exits
// when a position moves through its stop. Exposure-reducing orders are
// never vetoed: risk may stop you from digging, not from climbing out.
package risk

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-engine/internal/events"
	"signal-engine/internal/order"
	"signal-engine/internal/state"
	"signal-engine/internal/tasks"
	apperrors "signal-engine/pkg/errors"
	"signal-engine/pkg/exchange"
	"signal-engine/pkg/logger"
)

const dayFormat = "2006-01-02"

// MarginSource exposes the venue-side view of a position. The
// reconciliation service satisfies it.
type MarginSource interface {
	RemoteView(symbol string) (exchange.PositionSnapshot, bool)
}

// Deps wires the manager's collaborators. Margin may be nil when no
// venue reports margin ratios.
type Deps struct {
	Book   *state.Manager
	Margin MarginSource
	Bus    *events.Bus
	Log    *logger.Logger
}

// Manager evaluates orders against session limits and accumulates
// realized-PnL metrics from position closes.
type Manager struct {
	log    *logger.Logger
	bus    *events.Bus
	book   *state.Manager
	margin MarginSource

	limitsMu sync.RWMutex
	limits   Limits

	metricsMu sync.Mutex
	metrics   Metrics
}

func NewManager(limits Limits, d Deps) *Manager {
	if d.Log == nil {
		d.Log = logger.NewNop()
	}
	return &Manager{
		log:    d.Log,
		bus:    d.Bus,
		book:   d.Book,
		margin: d.Margin,
		limits: limits,
	}
}

// Start subscribes to position closes so realized PnL feeds the daily
// loss limit without polling.
func (m *Manager) Start(ctx context.Context, reg *tasks.Registry) error {
	ch, unsub := m.bus.Subscribe(events.EventPositionClosed, 32)
	return reg.Go(ctx, "risk-pnl-intake", func(taskCtx context.Context) error {
		defer unsub()
		for {
			select {
			case <-taskCtx.Done():
				return nil
			case msg, ok := <-ch:
				if !ok {
					return nil
				}
				if p, ok := msg.(events.PositionPayload); ok {
					m.RecordClose(p.RealizedPnL)
				}
			}
		}
	})
}

// CheckOrder implements order.RiskChecker. A nil return approves the
// order and counts it toward the daily trade budget.
func (m *Manager) CheckOrder(ctx context.Context, o order.Order) error {
	m.limitsMu.RLock()
	lim := m.limits
	m.limitsMu.RUnlock()

	m.metricsMu.Lock()
	m.rollDayLocked()
	met := m.metrics
	m.metricsMu.Unlock()

	pos, tracked := m.book.Position(o.Symbol)
	if tracked && reduces(pos.Qty, o.Side) {
		m.approve()
		return nil
	}

	if lim.MaxDailyTrades > 0 && met.DailyTrades >= lim.MaxDailyTrades {
		return m.veto(o, "daily_trades", "warning",
			float64(met.DailyTrades), float64(lim.MaxDailyTrades),
			"daily trade limit reached")
	}
	if lim.MaxDailyLoss > 0 && met.DailyLoss >= lim.MaxDailyLoss {
		return m.veto(o, "daily_loss", "critical",
			met.DailyLoss, lim.MaxDailyLoss,
			"daily loss limit reached")
	}

	notional := o.Notional()
	if notional < lim.MinOrderNotional {
		return m.veto(o, "order_notional", "warning",
			notional, lim.MinOrderNotional,
			"order below minimum notional")
	}
	if lim.MaxOrderNotional > 0 && notional > lim.MaxOrderNotional {
		return m.veto(o, "order_notional", "warning",
			notional, lim.MaxOrderNotional,
			"order above maximum notional")
	}

	if lim.MaxPositionNotional > 0 {
		held := 0.0
		if tracked {
			held = math.Abs(pos.Qty) * priceOr(pos.EntryPrice, o.Price)
		}
		if held+notional > lim.MaxPositionNotional {
			return m.veto(o, "position_notional", "warning",
				held+notional, lim.MaxPositionNotional,
				"symbol exposure limit reached")
		}
	}

	if lim.MaxTotalNotional > 0 {
		if total := m.totalExposure(); total+notional > lim.MaxTotalNotional {
			return m.veto(o, "total_notional", "warning",
				total+notional, lim.MaxTotalNotional,
				"account exposure limit reached")
		}
	}

	if lim.MaxOpenPositions > 0 && !tracked {
		if open := len(m.book.Positions()); open >= lim.MaxOpenPositions {
			return m.veto(o, "open_positions", "warning",
				float64(open), float64(lim.MaxOpenPositions),
				"open position limit reached")
		}
	}

	if lim.MarginRatioFloor > 0 && m.margin != nil {
		if remote, ok := m.margin.RemoteView(o.Symbol); ok && remote.MarginRatio > 0 {
			if remote.MarginRatio < lim.MarginRatioFloor {
				return m.veto(o, "margin_ratio", "critical",
					remote.MarginRatio, lim.MarginRatioFloor,
					"margin ratio below floor")
			}
		}
	}

	m.approve()
	return nil
}

// RecordClose folds one realized result into the daily and lifetime
// metrics, alerting when the close pushes the day through its loss
// limit.
func (m *Manager) RecordClose(realized float64) {
	m.limitsMu.RLock()
	maxLoss := m.limits.MaxDailyLoss
	m.limitsMu.RUnlock()

	m.metricsMu.Lock()
	m.rollDayLocked()
	m.metrics.DailyPnL += realized
	if realized < 0 {
		m.metrics.DailyLoss += -realized
	}
	m.metrics.RealizedPnL += realized
	if m.metrics.RealizedPnL > m.metrics.PeakPnL {
		m.metrics.PeakPnL = m.metrics.RealizedPnL
	}
	if dd := m.metrics.PeakPnL - m.metrics.RealizedPnL; dd > m.metrics.MaxDrawdown {
		m.metrics.MaxDrawdown = dd
	}
	loss := m.metrics.DailyLoss
	crossed := maxLoss > 0 && realized < 0 && loss >= maxLoss && loss+realized < maxLoss
	m.metricsMu.Unlock()

	if crossed {
		m.log.Warn("daily loss limit breached",
			zap.Float64("loss", loss), zap.Float64("limit", maxLoss))
		m.alert("", "daily_loss", "critical", loss, maxLoss, "daily loss limit breached")
	}
}

// Metrics returns a snapshot after applying any pending day roll.
func (m *Manager) Metrics() Metrics {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()
	m.rollDayLocked()
	return m.metrics
}

func (m *Manager) Limits() Limits {
	m.limitsMu.RLock()
	defer m.limitsMu.RUnlock()
	return m.limits
}

func (m *Manager) SetLimits(lim Limits) {
	m.limitsMu.Lock()
	m.limits = lim
	m.limitsMu.Unlock()
	m.log.Info("risk limits updated",
		zap.Float64("max_daily_loss", lim.MaxDailyLoss),
		zap.Int("max_open_positions", lim.MaxOpenPositions))
}

func (m *Manager) approve() {
	m.metricsMu.Lock()
	m.metrics.Checks++
	m.metrics.DailyTrades++
	m.metricsMu.Unlock()
}

func (m *Manager) veto(o order.Order, rule, severity string, value, limit float64, msg string) error {
	m.metricsMu.Lock()
	m.metrics.Checks++
	m.metrics.Vetoes++
	m.metricsMu.Unlock()

	m.log.Warn("order vetoed",
		zap.String("symbol", o.Symbol),
		zap.String("rule", rule),
		zap.Float64("value", value),
		zap.Float64("limit", limit))
	m.alert(o.SessionID, rule, severity, value, limit, msg)
	return apperrors.Newf(apperrors.CodeValidation, "%s (%s)", msg, rule)
}

func (m *Manager) alert(sessionID, rule, severity string, value, limit float64, msg string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.EventRiskAlert, events.RiskAlertPayload{
		SessionID: sessionID,
		Rule:      rule,
		Severity:  severity,
		Message:   msg,
		Value:     value,
		Limit:     limit,
		At:        time.Now(),
	})
}

// totalExposure values every open position at its mark, falling back
// to entry when no mark has been seen yet.
func (m *Manager) totalExposure() float64 {
	total := 0.0
	for _, v := range m.book.Views() {
		total += math.Abs(v.Qty) * priceOr(v.MarkPrice, v.EntryPrice)
	}
	return total
}

func (m *Manager) rollDayLocked() {
	today := time.Now().Format(dayFormat)
	if m.metrics.Day == today {
		return
	}
	m.metrics.Day = today
	m.metrics.DailyTrades = 0
	m.metrics.DailyPnL = 0
	m.metrics.DailyLoss = 0
}

// reduces reports whether an order on the given side shrinks the held
// quantity.
func reduces(heldQty float64, side exchange.Side) bool {
	if heldQty > 0 {
		return side == exchange.SideSell
	}
	if heldQty < 0 {
		return side == exchange.SideBuy
	}
	return false
}

func priceOr(primary, fallback float64) float64 {
	if primary > 0 {
		return primary
	}
	return fallback
}
