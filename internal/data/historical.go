// Package data serves historical samples for warm-up replay. Sessions
// replay a window of history into the indicator engine before going
// live so variants are warm on the first evaluation tick.
package data

import (
	"context"
	"hash/fnv"
	"math/rand"
	"time"

	"signal-engine/internal/indicators"
	"signal-engine/pkg/db"
	"signal-engine/pkg/errors"
)

// Source yields historical samples in chronological order.
type Source interface {
	// Range returns samples with from <= ts < to.
	Range(ctx context.Context, symbol string, from, to time.Time) ([]indicators.Sample, error)
	// Before returns the newest sample strictly before ts, when one exists.
	Before(ctx context.Context, symbol string, ts time.Time) (indicators.Sample, bool, error)
}

// DBSource reads persisted ticks.
type DBSource struct {
	db *db.Database
}

func NewDBSource(database *db.Database) *DBSource {
	return &DBSource{db: database}
}

func (s *DBSource) Range(ctx context.Context, symbol string, from, to time.Time) ([]indicators.Sample, error) {
	ticks, err := s.db.TicksRange(ctx, symbol, from, to)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInternal, "ticks range %s", symbol)
	}
	out := make([]indicators.Sample, len(ticks))
	for i, t := range ticks {
		out[i] = indicators.TickSample(t.Ts, t.Price, t.Volume)
	}
	return out, nil
}

func (s *DBSource) Before(ctx context.Context, symbol string, ts time.Time) (indicators.Sample, bool, error) {
	tick, err := s.db.TickBefore(ctx, symbol, ts)
	if err != nil {
		return indicators.Sample{}, false, errors.Wrapf(err, errors.CodeInternal, "tick before %s", symbol)
	}
	if tick == nil {
		return indicators.Sample{}, false, nil
	}
	return indicators.TickSample(tick.Ts, tick.Price, tick.Volume), true, nil
}

// SyntheticSource generates a seeded random walk at a fixed cadence.
// Backtest sessions on symbols with no persisted history use it so
// warm-up is still deterministic per symbol.
type SyntheticSource struct {
	Step      time.Duration
	BasePrice float64
	Drift     float64
}

func NewSyntheticSource(step time.Duration) *SyntheticSource {
	return &SyntheticSource{Step: step, BasePrice: 100, Drift: 0.004}
}

func (s *SyntheticSource) Range(_ context.Context, symbol string, from, to time.Time) ([]indicators.Sample, error) {
	if !from.Before(to) {
		return nil, nil
	}
	step := s.Step
	if step <= 0 {
		step = time.Second
	}
	rng := rand.New(rand.NewSource(symbolSeed(symbol)))
	price := s.BasePrice
	var out []indicators.Sample
	for ts := from; ts.Before(to); ts = ts.Add(step) {
		price *= 1 + (rng.Float64()-0.5)*s.Drift
		out = append(out, indicators.Sample{
			Ts:     ts,
			Price:  price,
			High:   price * 1.001,
			Low:    price * 0.999,
			Volume: 100 + rng.Float64()*900,
		})
	}
	return out, nil
}

func (s *SyntheticSource) Before(ctx context.Context, symbol string, ts time.Time) (indicators.Sample, bool, error) {
	step := s.Step
	if step <= 0 {
		step = time.Second
	}
	window, err := s.Range(ctx, symbol, ts.Add(-step), ts)
	if err != nil || len(window) == 0 {
		return indicators.Sample{}, false, err
	}
	return window[len(window)-1], true, nil
}

// Replay feeds a history window into sink and reports how many samples
// were delivered. The window includes one sample before from when the
// source has one, so transition-dependent indicators seed correctly.
func Replay(ctx context.Context, src Source, symbol string, from, to time.Time, sink func(indicators.Sample)) (int, error) {
	prior, ok, err := src.Before(ctx, symbol, from)
	if err != nil {
		return 0, err
	}
	n := 0
	if ok {
		sink(prior)
		n++
	}
	window, err := src.Range(ctx, symbol, from, to)
	if err != nil {
		return n, err
	}
	for _, sample := range window {
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		default:
		}
		sink(sample)
		n++
	}
	return n, nil
}

func symbolSeed(symbol string) int64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	return int64(h.Sum64())
}
