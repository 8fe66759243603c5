package market

import (
	"context"
	"sort"
	"time"

	"signal-engine/internal/data"
)

// BacktestFeed replays historical samples as ticks across symbols in
// global timestamp order. Speed scales the inter-tick gaps; zero
// replays as fast as the consumer drains.
type BacktestFeed struct {
	Source  data.Source
	Symbols []string
	From    time.Time
	To      time.Time
	Speed   float64
}

func (b *BacktestFeed) Run(ctx context.Context, out chan<- Tick) error {
	var all []Tick
	for _, symbol := range b.Symbols {
		samples, err := b.Source.Range(ctx, symbol, b.From, b.To)
		if err != nil {
			return err
		}
		for _, s := range samples {
			all = append(all, Tick{Symbol: symbol, Price: s.Price, Volume: s.Volume, Ts: s.Ts})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Ts.Before(all[j].Ts) })

	var prev time.Time
	for _, t := range all {
		if b.Speed > 0 && !prev.IsZero() {
			gap := time.Duration(float64(t.Ts.Sub(prev)) / b.Speed)
			if gap > 0 {
				timer := time.NewTimer(gap)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}
		}
		prev = t.Ts
		select {
		case out <- t:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
