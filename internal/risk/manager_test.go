package risk

import (
	"context"
	"testing"
	"time"

	"signal-engine/internal/events"
	"signal-engine/internal/order"
	"signal-engine/internal/state"
	"signal-engine/pkg/db"
	apperrors "signal-engine/pkg/errors"
	"signal-engine/pkg/exchange"
	"signal-engine/pkg/logger"
)

type stubMargin struct {
	snap exchange.PositionSnapshot
	ok   bool
}

func (s stubMargin) RemoteView(symbol string) (exchange.PositionSnapshot, bool) {
	return s.snap, s.ok
}

type riskHarness struct {
	mgr  *Manager
	book *state.Manager
	bus  *events.Bus
}

func newRiskHarness(t *testing.T, lim Limits, margin MarginSource) *riskHarness {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	log := logger.NewNop()
	book := state.NewManager(database, bus, log)
	mgr := NewManager(lim, Deps{Book: book, Margin: margin, Bus: bus, Log: log})
	return &riskHarness{mgr: mgr, book: book, bus: bus}
}

func (h *riskHarness) open(t *testing.T, symbol, side string, qty, price float64) {
	t.Helper()
	if _, err := h.book.ApplyFill(context.Background(), symbol, side, qty, price, 0); err != nil {
		t.Fatalf("seed position: %v", err)
	}
}

func testOrder(symbol string, side exchange.Side, qty, price float64) order.Order {
	return order.Order{
		ID:     "o-1",
		Symbol: symbol,
		Side:   side,
		Qty:    qty,
		Price:  price,
		State:  order.StatePending,
	}
}

func TestCheckOrderApprovesWithinLimits(t *testing.T) {
	h := newRiskHarness(t, DefaultLimits(), nil)
	if err := h.mgr.CheckOrder(context.Background(), testOrder("BTC_USDT", exchange.SideBuy, 1, 100)); err != nil {
		t.Fatalf("check: %v", err)
	}
	met := h.mgr.Metrics()
	if met.Checks != 1 || met.Vetoes != 0 || met.DailyTrades != 1 {
		t.Fatalf("metrics: %+v", met)
	}
}

func TestCheckOrderVetoesNotionalBounds(t *testing.T) {
	lim := DefaultLimits()
	lim.MinOrderNotional = 10
	lim.MaxOrderNotional = 1000
	h := newRiskHarness(t, lim, nil)
	ctx := context.Background()

	err := h.mgr.CheckOrder(ctx, testOrder("BTC_USDT", exchange.SideBuy, 0.05, 100))
	if !apperrors.HasCode(err, apperrors.CodeValidation) {
		t.Fatalf("dust order: %v", err)
	}
	err = h.mgr.CheckOrder(ctx, testOrder("BTC_USDT", exchange.SideBuy, 50, 100))
	if !apperrors.HasCode(err, apperrors.CodeValidation) {
		t.Fatalf("oversized order: %v", err)
	}
	if met := h.mgr.Metrics(); met.Vetoes != 2 || met.DailyTrades != 0 {
		t.Fatalf("metrics: %+v", met)
	}
}

func TestCheckOrderVetoesSymbolExposure(t *testing.T) {
	lim := DefaultLimits()
	lim.MaxPositionNotional = 5000
	h := newRiskHarness(t, lim, nil)
	h.open(t, "BTC_USDT", "buy", 40, 100)

	alerts, unsub := h.bus.Subscribe(events.EventRiskAlert, 4)
	defer unsub()

	err := h.mgr.CheckOrder(context.Background(), testOrder("BTC_USDT", exchange.SideBuy, 20, 100))
	if !apperrors.HasCode(err, apperrors.CodeValidation) {
		t.Fatalf("exposure veto: %v", err)
	}

	select {
	case msg := <-alerts:
		a := msg.(events.RiskAlertPayload)
		if a.Rule != "position_notional" || a.Severity != "warning" {
			t.Fatalf("alert: %+v", a)
		}
	case <-time.After(time.Second):
		t.Fatal("no risk alert")
	}
}

func TestCheckOrderVetoesOpenPositionCount(t *testing.T) {
	lim := DefaultLimits()
	lim.MaxOpenPositions = 1
	h := newRiskHarness(t, lim, nil)
	h.open(t, "BTC_USDT", "buy", 1, 100)

	err := h.mgr.CheckOrder(context.Background(), testOrder("ETH_USDT", exchange.SideBuy, 1, 50))
	if !apperrors.HasCode(err, apperrors.CodeValidation) {
		t.Fatalf("open position veto: %v", err)
	}
	// adding to the already-open symbol is still allowed
	if err := h.mgr.CheckOrder(context.Background(), testOrder("BTC_USDT", exchange.SideBuy, 1, 100)); err != nil {
		t.Fatalf("same-symbol add-on: %v", err)
	}
}

func TestReducingOrderBypassesLimits(t *testing.T) {
	lim := DefaultLimits()
	lim.MaxDailyTrades = 1
	h := newRiskHarness(t, lim, nil)
	h.open(t, "BTC_USDT", "buy", 1, 100)
	ctx := context.Background()

	if err := h.mgr.CheckOrder(ctx, testOrder("BTC_USDT", exchange.SideBuy, 1, 100)); err != nil {
		t.Fatalf("first trade: %v", err)
	}
	err := h.mgr.CheckOrder(ctx, testOrder("ETH_USDT", exchange.SideBuy, 1, 50))
	if !apperrors.HasCode(err, apperrors.CodeValidation) {
		t.Fatalf("budget exhausted: %v", err)
	}
	// an exit must still pass
	if err := h.mgr.CheckOrder(ctx, testOrder("BTC_USDT", exchange.SideSell, 1, 100)); err != nil {
		t.Fatalf("reducing order vetoed: %v", err)
	}
}

func TestDailyLossLimitAlertsAndBlocks(t *testing.T) {
	lim := DefaultLimits()
	lim.MaxDailyLoss = 500
	h := newRiskHarness(t, lim, nil)

	alerts, unsub := h.bus.Subscribe(events.EventRiskAlert, 4)
	defer unsub()

	h.mgr.RecordClose(-600)

	select {
	case msg := <-alerts:
		a := msg.(events.RiskAlertPayload)
		if a.Rule != "daily_loss" || a.Severity != "critical" {
			t.Fatalf("alert: %+v", a)
		}
	case <-time.After(time.Second):
		t.Fatal("no breach alert")
	}

	err := h.mgr.CheckOrder(context.Background(), testOrder("BTC_USDT", exchange.SideBuy, 1, 100))
	if !apperrors.HasCode(err, apperrors.CodeValidation) {
		t.Fatalf("post-breach order: %v", err)
	}
}

func TestMarginFloorVetoesNewExposure(t *testing.T) {
	lim := DefaultLimits()
	lim.MarginRatioFloor = 0.1
	margin := stubMargin{snap: exchange.PositionSnapshot{Symbol: "BTC_USDT", MarginRatio: 0.05}, ok: true}
	h := newRiskHarness(t, lim, margin)

	err := h.mgr.CheckOrder(context.Background(), testOrder("BTC_USDT", exchange.SideBuy, 1, 100))
	if !apperrors.HasCode(err, apperrors.CodeValidation) {
		t.Fatalf("margin veto: %v", err)
	}
}

func TestRecordCloseTracksDrawdown(t *testing.T) {
	h := newRiskHarness(t, DefaultLimits(), nil)
	h.mgr.RecordClose(100)
	h.mgr.RecordClose(-150)

	met := h.mgr.Metrics()
	if met.RealizedPnL != -50 || met.PeakPnL != 100 || met.MaxDrawdown != 150 {
		t.Fatalf("metrics: %+v", met)
	}
	if met.DailyLoss != 150 {
		t.Fatalf("daily loss: %v", met.DailyLoss)
	}
}
