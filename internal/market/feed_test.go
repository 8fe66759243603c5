package market

import (
	"context"
	"testing"
	"time"

	"signal-engine/internal/data"
	"signal-engine/internal/events"
	"signal-engine/internal/indicators"
	"signal-engine/pkg/db"
	"signal-engine/pkg/logger"
)

func tick(symbol string, price float64, at time.Time) Tick {
	return Tick{Symbol: symbol, Price: price, Volume: 1, Ts: at}
}

func TestAggregatorBuildsCandles(t *testing.T) {
	agg := NewAggregator(time.Minute)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, closed := agg.Add(tick("BTCUSDT", 100, base.Add(5*time.Second))); closed {
		t.Fatal("first tick closed a candle")
	}
	agg.Add(tick("BTCUSDT", 105, base.Add(20*time.Second)))
	agg.Add(tick("BTCUSDT", 95, base.Add(40*time.Second)))
	agg.Add(tick("BTCUSDT", 101, base.Add(59*time.Second)))

	// first tick of the next interval closes the bar
	candle, closed := agg.Add(tick("BTCUSDT", 102, base.Add(61*time.Second)))
	if !closed {
		t.Fatal("boundary tick should close the candle")
	}
	if candle.Open != 100 || candle.High != 105 || candle.Low != 95 || candle.Close != 101 {
		t.Fatalf("OHLC wrong: %+v", candle)
	}
	if candle.Volume != 4 {
		t.Fatalf("volume: %v", candle.Volume)
	}
	if !candle.Start.Equal(base) || !candle.End.Equal(base.Add(time.Minute)) {
		t.Fatalf("bounds wrong: %v..%v", candle.Start, candle.End)
	}

	s := candle.Sample()
	if s.Price != 101 || s.High != 105 || s.Low != 95 || !s.Ts.Equal(candle.End) {
		t.Fatalf("sample wrong: %+v", s)
	}
}

func TestAggregatorTracksSymbolsIndependently(t *testing.T) {
	agg := NewAggregator(time.Minute)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	agg.Add(tick("BTCUSDT", 100, base))
	agg.Add(tick("ETHUSDT", 2000, base))

	candle, closed := agg.Add(tick("BTCUSDT", 101, base.Add(time.Minute)))
	if !closed || candle.Symbol != "BTCUSDT" {
		t.Fatalf("btc candle should close alone: closed=%v %+v", closed, candle)
	}

	eth, ok := agg.Flush("ETHUSDT")
	if !ok || eth.Close != 2000 {
		t.Fatalf("eth flush: ok=%v %+v", ok, eth)
	}
	if _, ok := agg.Flush("ETHUSDT"); ok {
		t.Fatal("double flush returned a candle")
	}
}

type captureSamples struct{ got []indicators.Sample }

func (c *captureSamples) OnSample(_ string, s indicators.Sample) { c.got = append(c.got, s) }

type captureMarks struct{ last map[string]float64 }

func (c *captureMarks) MarkPrice(symbol string, price float64) {
	if c.last == nil {
		c.last = map[string]float64{}
	}
	c.last[symbol] = price
}

type captureTicks struct{ got []db.Tick }

func (c *captureTicks) Enqueue(t db.Tick) { c.got = append(c.got, t) }

func TestIngestorFansOutTickMode(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	tickCh, unsub := bus.Subscribe(events.EventMarketTick, 8)
	defer unsub()

	samples := &captureSamples{}
	marks := &captureMarks{}
	store := &captureTicks{}
	in := NewIngestor(bus, samples, marks, store, 0, logger.NewNop())

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	in.onTick(Tick{Symbol: "BTCUSDT", Price: 100.5, Volume: 2, Ts: at})

	payload := (<-tickCh).(events.TickPayload)
	if payload.Symbol != "BTCUSDT" || payload.Price != 100.5 {
		t.Fatalf("bus payload: %+v", payload)
	}
	if len(samples.got) != 1 || samples.got[0].Price != 100.5 || samples.got[0].High != 100.5 {
		t.Fatalf("sample sink: %+v", samples.got)
	}
	if marks.last["BTCUSDT"] != 100.5 {
		t.Fatalf("mark sink: %+v", marks.last)
	}
	if len(store.got) != 1 || store.got[0].Price != 100.5 {
		t.Fatalf("tick sink: %+v", store.got)
	}
}

func TestIngestorCandleModeEmitsOnClose(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	samples := &captureSamples{}
	in := NewIngestor(bus, samples, nil, nil, time.Minute, logger.NewNop())

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	in.onTick(tick("BTCUSDT", 100, base.Add(time.Second)))
	in.onTick(tick("BTCUSDT", 110, base.Add(30*time.Second)))
	if len(samples.got) != 0 {
		t.Fatal("open candle must not emit")
	}

	in.onTick(tick("BTCUSDT", 108, base.Add(65*time.Second)))
	if len(samples.got) != 1 {
		t.Fatalf("closed candle should emit one sample, got %d", len(samples.got))
	}
	if samples.got[0].High != 110 || samples.got[0].Price != 110 {
		t.Fatalf("candle sample: %+v", samples.got[0])
	}
}

func TestIngestorRunStopsOnCancel(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	in := NewIngestor(bus, &captureSamples{}, nil, nil, 0, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- in.Run(ctx, &MockFeed{Symbols: []string{"BTCUSDT"}, Interval: 5 * time.Millisecond, Seed: 7})
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ingestor did not stop")
	}
}

func TestIngressPushPreservesOrderAndShedsOnOverflow(t *testing.T) {
	g := NewIngress(2)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	if !g.Push(tick("BTCUSDT", 100, at)) || !g.Push(tick("BTCUSDT", 101, at.Add(time.Second))) {
		t.Fatal("pushes within the buffer must be accepted")
	}
	if g.Push(tick("BTCUSDT", 102, at.Add(2*time.Second))) {
		t.Fatal("overflow push must be shed")
	}
	if g.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", g.Dropped())
	}

	g.Close()
	if g.Push(tick("BTCUSDT", 103, at)) {
		t.Fatal("push after close must be refused")
	}

	out := make(chan Tick, 4)
	if err := g.Run(context.Background(), out); err != nil {
		t.Fatalf("run: %v", err)
	}
	close(out)
	var got []Tick
	for tk := range out {
		got = append(got, tk)
	}
	if len(got) != 2 || got[0].Price != 100 || got[1].Price != 101 {
		t.Fatalf("drained ticks: %+v", got)
	}
}

func TestIngressRunStopsOnCancel(t *testing.T) {
	g := NewIngress(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx, make(chan Tick)) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ingress did not stop")
	}
}

func TestBacktestFeedReplaysInOrder(t *testing.T) {
	src := data.NewSyntheticSource(time.Second)
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	feed := &BacktestFeed{
		Source:  src,
		Symbols: []string{"BTCUSDT", "ETHUSDT"},
		From:    from,
		To:      from.Add(10 * time.Second),
	}

	out := make(chan Tick, 64)
	if err := feed.Run(context.Background(), out); err != nil {
		t.Fatalf("run: %v", err)
	}
	close(out)

	var got []Tick
	for t := range out {
		got = append(got, t)
	}
	if len(got) != 20 {
		t.Fatalf("expected 20 ticks across two symbols, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Ts.Before(got[i-1].Ts) {
			t.Fatalf("replay out of order at %d", i)
		}
	}
}
