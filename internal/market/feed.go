// Package market is the data ingress layer: feeds deliver normalized
// ticks, the ingestor fans them out to the event bus, the indicator
// engine, the position book's marks, and the tick persistence queue.
package market

import (
	"context"
	"time"

	"go.uber.org/zap"

	"signal-engine/internal/events"
	"signal-engine/internal/indicators"
	"signal-engine/pkg/db"
	"signal-engine/pkg/logger"
)

// Tick is one normalized trade print.
type Tick struct {
	Symbol string
	Price  float64
	Volume float64
	Ts     time.Time
}

// Feed delivers ticks until ctx ends. Implementations must honor ctx
// on every send so a cancelled consumer never strands them.
type Feed interface {
	Run(ctx context.Context, out chan<- Tick) error
}

// SampleSink consumes samples for indicator computation.
type SampleSink interface {
	OnSample(symbol string, s indicators.Sample)
}

// MarkSink consumes latest marks for unrealized PnL.
type MarkSink interface {
	MarkPrice(symbol string, price float64)
}

// TickSink consumes ticks for durable history.
type TickSink interface {
	Enqueue(t db.Tick)
}

// Ingestor pulls from one feed and fans out. With a candle interval
// configured, the indicator engine receives one aggregated sample per
// closed candle (real highs and lows); otherwise every tick goes
// straight in as a degenerate sample.
type Ingestor struct {
	log     *logger.Logger
	bus     *events.Bus
	samples SampleSink
	marks   MarkSink
	ticks   TickSink
	agg     *Aggregator
}

func NewIngestor(bus *events.Bus, samples SampleSink, marks MarkSink, ticks TickSink, candleInterval time.Duration, log *logger.Logger) *Ingestor {
	in := &Ingestor{log: log, bus: bus, samples: samples, marks: marks, ticks: ticks}
	if candleInterval > 0 {
		in.agg = NewAggregator(candleInterval)
	}
	return in
}

// Run consumes the feed until ctx ends or the feed fails. It is shaped
// to run under the task registry.
func (in *Ingestor) Run(ctx context.Context, feed Feed) error {
	out := make(chan Tick, 256)
	errCh := make(chan error, 1)
	go func() { errCh <- feed.Run(ctx, out) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			if err != nil && err != context.Canceled {
				in.log.Error("market feed stopped", zap.Error(err))
			}
			return err
		case t := <-out:
			in.onTick(t)
		}
	}
}

func (in *Ingestor) onTick(t Tick) {
	in.bus.Publish(events.EventMarketTick, events.TickPayload{
		Symbol: t.Symbol,
		Price:  t.Price,
		Volume: t.Volume,
		Ts:     t.Ts,
	})
	if in.marks != nil {
		in.marks.MarkPrice(t.Symbol, t.Price)
	}
	if in.ticks != nil {
		in.ticks.Enqueue(db.Tick{Symbol: t.Symbol, Ts: t.Ts, Price: t.Price, Volume: t.Volume})
	}
	if in.samples == nil {
		return
	}
	if in.agg != nil {
		if candle, closed := in.agg.Add(t); closed {
			in.samples.OnSample(candle.Symbol, candle.Sample())
		}
		return
	}
	in.samples.OnSample(t.Symbol, indicators.TickSample(t.Ts, t.Price, t.Volume))
}
