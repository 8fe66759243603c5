package market

import (
	"context"
	"math/rand"
	"time"
)

// MockFeed generates a seeded random walk per symbol. Paper sessions
// and local development run on it.
type MockFeed struct {
	Symbols    []string
	StartPrice float64
	Volatility float64 // fractional step size per tick
	Interval   time.Duration
	Seed       int64
}

func (m *MockFeed) Run(ctx context.Context, out chan<- Tick) error {
	symbols := m.Symbols
	if len(symbols) == 0 {
		symbols = []string{"BTCUSDT"}
	}
	start := m.StartPrice
	if start <= 0 {
		start = 100
	}
	vol := m.Volatility
	if vol <= 0 {
		vol = 0.002
	}
	interval := m.Interval
	if interval <= 0 {
		interval = time.Second
	}
	seed := m.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	prices := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		prices[s] = start
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for _, s := range symbols {
				prices[s] *= 1 + (rng.Float64()-0.5)*vol
				t := Tick{Symbol: s, Price: prices[s], Volume: 1 + rng.Float64()*10, Ts: now}
				select {
				case out <- t:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}
