package exchange

import (
	"context"
	"math"
	"testing"
)

type stubPrices map[string]float64

func (s stubPrices) Price(symbol string) (float64, bool) {
	p, ok := s[symbol]
	return p, ok
}

func newTestAdapter(prices stubPrices) *PaperAdapter {
	return NewPaperAdapter(prices, SimConfig{FeeRate: 0.001})
}

func TestPaperSubmitFillsAndTracksPosition(t *testing.T) {
	adapter := newTestAdapter(stubPrices{"BTCUSDT": 50000})

	res, err := adapter.SubmitOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: SideBuy, Type: OrderTypeMarket, Qty: 0.5, ClientID: "c1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != AckFilled {
		t.Fatalf("status = %s, want %s", res.Status, AckFilled)
	}
	if res.FilledQty != 0.5 {
		t.Fatalf("filled qty = %v, want 0.5", res.FilledQty)
	}
	if res.VenueOrderID == "" || res.ClientID != "c1" {
		t.Fatalf("bad ids: %+v", res)
	}
	wantFee := res.FillPrice * 0.5 * 0.001
	if math.Abs(res.Fee-wantFee) > 1e-9 {
		t.Fatalf("fee = %v, want %v", res.Fee, wantFee)
	}

	positions, err := adapter.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	if positions[0].Symbol != "BTCUSDT" || positions[0].Qty != 0.5 {
		t.Fatalf("unexpected position %+v", positions[0])
	}
}

func TestPaperOppositeFillFlattens(t *testing.T) {
	adapter := newTestAdapter(stubPrices{"ETHUSDT": 3000})
	ctx := context.Background()

	if _, err := adapter.SubmitOrder(ctx, OrderRequest{Symbol: "ETHUSDT", Side: SideBuy, Qty: 2}); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := adapter.SubmitOrder(ctx, OrderRequest{Symbol: "ETHUSDT", Side: SideSell, Qty: 2}); err != nil {
		t.Fatalf("sell: %v", err)
	}

	positions, err := adapter.GetPositions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 0 {
		t.Fatalf("expected flat book, got %+v", positions)
	}
}

func TestPaperSameSideAddReaveragesEntry(t *testing.T) {
	prices := stubPrices{"BTCUSDT": 100}
	adapter := NewPaperAdapter(prices, SimConfig{})
	ctx := context.Background()

	if _, err := adapter.SubmitOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Qty: 1}); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	prices["BTCUSDT"] = 200
	if _, err := adapter.SubmitOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Qty: 1}); err != nil {
		t.Fatalf("second buy: %v", err)
	}

	positions, _ := adapter.GetPositions(ctx)
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	if math.Abs(positions[0].EntryPrice-150) > 1e-9 {
		t.Fatalf("entry = %v, want 150", positions[0].EntryPrice)
	}
	if positions[0].Qty != 2 {
		t.Fatalf("qty = %v, want 2", positions[0].Qty)
	}
}

func TestPaperSlippageDirection(t *testing.T) {
	adapter := NewPaperAdapter(stubPrices{"BTCUSDT": 100}, SimConfig{SlippageBps: 50})
	ctx := context.Background()

	buy, err := adapter.SubmitOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Qty: 1})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if buy.FillPrice < 100 || buy.FillPrice > 100*1.005 {
		t.Fatalf("buy fill %v outside [100, 100.5]", buy.FillPrice)
	}

	sell, err := adapter.SubmitOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: SideSell, Qty: 1})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if sell.FillPrice > 100 || sell.FillPrice < 100*0.995 {
		t.Fatalf("sell fill %v outside [99.5, 100]", sell.FillPrice)
	}
}

func TestPaperRejectsBadRequests(t *testing.T) {
	adapter := newTestAdapter(stubPrices{"BTCUSDT": 100})
	ctx := context.Background()

	_, err := adapter.SubmitOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Qty: 0})
	if !IsRejection(err) {
		t.Fatalf("zero qty: got %v, want rejection", err)
	}
	_, err = adapter.SubmitOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: "hold", Qty: 1})
	if !IsRejection(err) {
		t.Fatalf("bad side: got %v, want rejection", err)
	}
}

func TestPaperMissingPriceIsTransient(t *testing.T) {
	adapter := newTestAdapter(stubPrices{})

	_, err := adapter.SubmitOrder(context.Background(), OrderRequest{Symbol: "DOGEUSDT", Side: SideBuy, Qty: 1})
	if err == nil || !IsTransient(err) || IsRejection(err) {
		t.Fatalf("got %v, want transient error", err)
	}
}

func TestPaperOutage(t *testing.T) {
	adapter := newTestAdapter(stubPrices{"BTCUSDT": 100})
	adapter.SetUnavailable(true)
	ctx := context.Background()

	if _, err := adapter.SubmitOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Qty: 1}); !IsTransient(err) {
		t.Fatalf("submit during outage: %v", err)
	}
	if _, err := adapter.GetPositions(ctx); !IsTransient(err) {
		t.Fatalf("positions during outage: %v", err)
	}
	if _, err := adapter.GetPrice(ctx, "BTCUSDT"); !IsTransient(err) {
		t.Fatalf("price during outage: %v", err)
	}

	adapter.SetUnavailable(false)
	if _, err := adapter.SubmitOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Qty: 1}); err != nil {
		t.Fatalf("submit after recovery: %v", err)
	}
}

func TestPaperForceCloseAndAdopt(t *testing.T) {
	adapter := newTestAdapter(stubPrices{"BTCUSDT": 100, "ETHUSDT": 3000})
	ctx := context.Background()

	if _, err := adapter.SubmitOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Qty: 1}); err != nil {
		t.Fatalf("buy: %v", err)
	}
	adapter.ForceClose("BTCUSDT")
	adapter.ForceAdopt(PositionSnapshot{Symbol: "ETHUSDT", Qty: 5, EntryPrice: 2900})

	positions, err := adapter.GetPositions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 1 || positions[0].Symbol != "ETHUSDT" {
		t.Fatalf("unexpected book %+v", positions)
	}
	if math.Abs(positions[0].UnrealizedPnL-500) > 1e-6 {
		t.Fatalf("pnl = %v, want 500", positions[0].UnrealizedPnL)
	}
}
