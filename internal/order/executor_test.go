package order

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"signal-engine/internal/events"
	apperrors "signal-engine/pkg/errors"
)

type vetoRisk struct {
	err error
}

func (v vetoRisk) CheckOrder(ctx context.Context, o Order) error {
	return v.err
}

type execHarness struct {
	*gwHarness
	queue *Queue
	exec  *Executor
}

func newExecHarness(t *testing.T, venue *fakeVenue, queueSize int, risk RiskChecker) *execHarness {
	t.Helper()
	h := newGatewayHarness(t, GatewayConfig{SubmitTimeout: time.Second}, venue, nil)
	q := NewQueue(queueSize)
	exec := NewExecutor(ExecutorConfig{Workers: 2, FeeRate: 0.001}, ExecutorDeps{
		Gateway: h.gw,
		Queue:   q,
		Funds:   h.funds,
		Risk:    risk,
		Store:   h.store,
		Bus:     h.bus,
		Tasks:   h.reg,
		Log:     nil,
	})
	return &execHarness{gwHarness: h, queue: q, exec: exec}
}

func buySignal(signalID string, size float64) events.SignalPayload {
	return events.SignalPayload{
		SignalID:   signalID,
		SessionID:  "sess-1",
		InstanceID: "inst-1",
		Symbol:     "BTC_USDT",
		Strategy:   "ma_cross",
		Kind:       "buy",
		Strength:   0.8,
		Price:      100,
		Size:       size,
		At:         time.Now(),
	}
}

func TestHandleSignalBuildsAndQueuesOrder(t *testing.T) {
	h := newExecHarness(t, &fakeVenue{respond: fillAck(100, 1, 0)}, 8, nil)
	ctx := context.Background()

	created, unsub := h.bus.Subscribe(events.EventOrderCreated, 4)
	defer unsub()

	if err := h.exec.HandleSignal(ctx, buySignal("sig-1", 2)); err != nil {
		t.Fatalf("handle signal: %v", err)
	}
	if h.queue.Len() != 1 {
		t.Fatalf("queue length: %d", h.queue.Len())
	}

	// reservation covers notional plus the fee buffer
	wantLocked := 2 * 100 * 1.001
	if got := h.funds.Snapshot().Locked; math.Abs(got-wantLocked) > 1e-9 {
		t.Fatalf("locked funds: %v, want %v", got, wantLocked)
	}

	rows, err := h.store.Queries().OrdersBySession(ctx, "sess-1", 10)
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	if len(rows) != 1 || rows[0].State != string(StatePending) || rows[0].Qty != 2 {
		t.Fatalf("order rows: %+v", rows)
	}
	if rows[0].InstanceID != "inst-1" {
		t.Fatalf("instance id: %q", rows[0].InstanceID)
	}

	select {
	case msg := <-created:
		p, ok := msg.(events.OrderPayload)
		if !ok || p.Symbol != "BTC_USDT" || p.State != string(StatePending) {
			t.Fatalf("created payload: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no order_created event")
	}
}

func TestHandleSignalDuplicateDeliveryDropped(t *testing.T) {
	h := newExecHarness(t, &fakeVenue{respond: fillAck(100, 1, 0)}, 8, nil)
	ctx := context.Background()

	sig := buySignal("sig-dup", 1)
	if err := h.exec.HandleSignal(ctx, sig); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := h.exec.HandleSignal(ctx, sig); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	if h.queue.Len() != 1 {
		t.Fatalf("duplicate delivery queued an order: len=%d", h.queue.Len())
	}
	rows, err := h.store.Queries().OrdersBySession(ctx, "sess-1", 10)
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("order rows: %d", len(rows))
	}
}

func TestHandleSignalRejectsMalformed(t *testing.T) {
	h := newExecHarness(t, &fakeVenue{respond: fillAck(100, 1, 0)}, 8, nil)
	ctx := context.Background()

	bad := buySignal("sig-bad", 1)
	bad.Kind = "hold"
	if err := h.exec.HandleSignal(ctx, bad); !apperrors.HasCode(err, apperrors.CodeValidation) {
		t.Fatalf("unknown kind error: %v", err)
	}

	noSize := buySignal("sig-nosize", 0)
	if err := h.exec.HandleSignal(ctx, noSize); !apperrors.HasCode(err, apperrors.CodeValidation) {
		t.Fatalf("zero size error: %v", err)
	}
	if h.queue.Len() != 0 {
		t.Fatalf("malformed signal queued: len=%d", h.queue.Len())
	}
}

func TestHandleSignalInsufficientFundsDropsSignal(t *testing.T) {
	h := newExecHarness(t, &fakeVenue{respond: fillAck(100, 1, 0)}, 8, nil)
	ctx := context.Background()

	// 10000 in the account, the signal wants 200*100*1.001
	if err := h.exec.HandleSignal(ctx, buySignal("sig-big", 200)); err != nil {
		t.Fatalf("oversized signal should drop, not error: %v", err)
	}
	if h.queue.Len() != 0 {
		t.Fatalf("unfunded order queued: len=%d", h.queue.Len())
	}
	rows, err := h.store.Queries().OrdersBySession(ctx, "sess-1", 10)
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("unfunded order persisted: %+v", rows)
	}
	if got := h.funds.Snapshot().Locked; got != 0 {
		t.Fatalf("locked funds leaked: %v", got)
	}
}

func TestHandleSignalQueueFullShedsOrder(t *testing.T) {
	h := newExecHarness(t, &fakeVenue{respond: fillAck(100, 1, 0)}, 1, nil)
	ctx := context.Background()

	if err := h.exec.HandleSignal(ctx, buySignal("sig-1", 1)); err != nil {
		t.Fatalf("first signal: %v", err)
	}
	if err := h.exec.HandleSignal(ctx, buySignal("sig-2", 1)); err != nil {
		t.Fatalf("shed signal should not error: %v", err)
	}

	rows, err := h.store.Queries().OrdersBySession(ctx, "sess-1", 10)
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("order rows: %d", len(rows))
	}
	var shed int
	for _, r := range rows {
		if r.State == string(StateFailed) {
			shed++
			if r.Reason != "queue full" {
				t.Fatalf("shed reason: %q", r.Reason)
			}
		}
	}
	if shed != 1 {
		t.Fatalf("shed orders: %d", shed)
	}

	// only the queued order's reservation remains
	wantLocked := 1 * 100 * 1.001
	if got := h.funds.Snapshot().Locked; math.Abs(got-wantLocked) > 1e-9 {
		t.Fatalf("locked funds: %v, want %v", got, wantLocked)
	}
}

func TestRiskVetoBlocksReservation(t *testing.T) {
	veto := vetoRisk{err: errors.New("position limit reached")}
	h := newExecHarness(t, &fakeVenue{respond: fillAck(100, 1, 0)}, 8, veto)
	ctx := context.Background()

	err := h.exec.HandleSignal(ctx, buySignal("sig-1", 1))
	if !apperrors.HasCode(err, apperrors.CodeValidation) {
		t.Fatalf("veto error: %v", err)
	}
	if got := h.funds.Snapshot().Locked; got != 0 {
		t.Fatalf("veto still reserved funds: %v", got)
	}
	if h.queue.Len() != 0 {
		t.Fatalf("vetoed order queued: len=%d", h.queue.Len())
	}
}

func TestStartPipelineEndToEnd(t *testing.T) {
	h := newExecHarness(t, &fakeVenue{respond: fillAck(100.5, 1, 0.1)}, 8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.exec.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.exec.Close()

	h.bus.Publish(events.EventSignalGenerated, buySignal("sig-e2e", 1))

	var orderID string
	waitFor(t, 2*time.Second, "order filled through the pipeline", func() bool {
		rows, err := h.store.Queries().OrdersBySession(context.Background(), "sess-1", 10)
		if err != nil || len(rows) != 1 {
			return false
		}
		orderID = rows[0].ID
		return rows[0].State == string(StateFilled)
	})

	row := h.orderRow(t, "sess-1", orderID)
	if row.FilledQty != 1 {
		t.Fatalf("filled qty: %v", row.FilledQty)
	}
	pos, ok := h.book.Position("BTC_USDT")
	if !ok || pos.Qty != 1 {
		t.Fatalf("position after fill: %+v ok=%v", pos, ok)
	}
	if got := h.funds.Snapshot().Locked; got != 0 {
		t.Fatalf("locked funds after settle: %v", got)
	}
}
