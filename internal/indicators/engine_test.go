package indicators

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestEngine(cfg Config) *Engine {
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour
	}
	return NewEngine(cfg, nil)
}

func feedStream(e *Engine, symbol string, stream []Sample) {
	for _, s := range stream {
		e.OnSample(symbol, s)
	}
}

func TestEngineNoneUntilVariantWarm(t *testing.T) {
	e := newTestEngine(Config{})
	v := smaVariant("BTCUSDT", 5)
	_, err := e.AcquireVariant(v, time.Second)
	require.NoError(t, err)

	stream := syntheticStream(5)
	feedStream(e, "BTCUSDT", stream[:4])
	require.True(t, e.Calculate(v, 0).IsNone())

	e.OnSample("BTCUSDT", stream[4])
	got := e.Calculate(v, 0)
	require.True(t, got.IsSome())
	require.InDelta(t, refSMA(samplePrices(stream), 5), got.Unwrap().Value, 1e-9)
}

func TestEngineSharesVariantBetweenAcquirers(t *testing.T) {
	e := newTestEngine(Config{})
	v := smaVariant("BTCUSDT", 20)

	key1, err := e.AcquireVariant(v, time.Second)
	require.NoError(t, err)
	key2, err := e.AcquireVariant(v, time.Second)
	require.NoError(t, err)

	require.Equal(t, key1, key2)
	require.Equal(t, 1, e.VariantCount())
	require.Equal(t, 2, e.RefCount(key1))

	e.ReleaseVariant(key1)
	require.Equal(t, 1, e.RefCount(key1))
	require.Equal(t, 1, e.VariantCount())
}

func TestEngineWarmsNewVariantFromHeldHistory(t *testing.T) {
	e := newTestEngine(Config{})
	stream := syntheticStream(10)
	feedStream(e, "BTCUSDT", stream)

	// declared after the data arrived, ready immediately
	v := smaVariant("BTCUSDT", 5)
	_, err := e.AcquireVariant(v, time.Second)
	require.NoError(t, err)

	got := e.Calculate(v, 0)
	require.True(t, got.IsSome())
	require.InDelta(t, refSMA(samplePrices(stream), 5), got.Unwrap().Value, 1e-9)
}

func TestEngineWindowOverride(t *testing.T) {
	e := newTestEngine(Config{})
	stream := syntheticStream(30)
	feedStream(e, "BTCUSDT", stream)

	v := smaVariant("BTCUSDT", 20)
	got := e.Calculate(v, 10)
	require.True(t, got.IsSome())
	require.InDelta(t, refSMA(samplePrices(stream), 10), got.Unwrap().Value, 1e-9)

	// a window wider than the held history cannot be served
	require.True(t, e.Calculate(v, 50).IsNone())
}

func TestEngineRSIWindowNeedsWarmupSample(t *testing.T) {
	e := newTestEngine(Config{})
	stream := syntheticStream(11)
	v := Variant{Symbol: "BTCUSDT", Kind: KindRSI, Params: map[string]float64{"period": 14}}

	// a 10-wide RSI window needs 11 samples: one transition into the window
	feedStream(e, "BTCUSDT", stream[:10])
	require.True(t, e.Calculate(v, 10).IsNone())

	e.OnSample("BTCUSDT", stream[10])
	got := e.Calculate(v, 10)
	require.True(t, got.IsSome())
	require.InDelta(t, refRSI(samplePrices(stream), 10), got.Unwrap().Value, 1e-9)
}

func TestEngineCalculateUnregisteredVariantOnDemand(t *testing.T) {
	e := newTestEngine(Config{})
	stream := syntheticStream(25)
	feedStream(e, "BTCUSDT", stream)

	v := smaVariant("BTCUSDT", 20)
	require.Equal(t, 0, e.VariantCount())

	got := e.Calculate(v, 0)
	require.True(t, got.IsSome())
	require.InDelta(t, refSMA(samplePrices(stream), 20), got.Unwrap().Value, 1e-9)

	// second read is served from cache
	hitsBefore := e.Stats().Cache.Hits
	again := e.Calculate(v, 0)
	require.Equal(t, got.Unwrap().Value, again.Unwrap().Value)
	require.Greater(t, e.Stats().Cache.Hits, hitsBefore)
}

func TestEngineMultiWindowNonePropagation(t *testing.T) {
	e := newTestEngine(Config{})
	v := Variant{Symbol: "BTCUSDT", Kind: KindVolumeRatio, Params: map[string]float64{"short": 3, "long": 6}}
	_, err := e.AcquireVariant(v, time.Second)
	require.NoError(t, err)

	stream := syntheticStream(6)
	feedStream(e, "BTCUSDT", stream[:5])
	require.True(t, e.Calculate(v, 0).IsNone())

	e.OnSample("BTCUSDT", stream[5])
	got := e.Calculate(v, 0)
	require.True(t, got.IsSome())

	shortSum, longSum := 0.0, 0.0
	for _, s := range stream[3:] {
		shortSum += s.Volume
	}
	for _, s := range stream {
		longSum += s.Volume
	}
	require.InDelta(t, (shortSum/3)/(longSum/6), got.Unwrap().Value, 1e-9)
}

func TestEngineDropsOutOfOrderSamples(t *testing.T) {
	e := newTestEngine(Config{})
	v := smaVariant("BTCUSDT", 3)
	_, err := e.AcquireVariant(v, time.Second)
	require.NoError(t, err)

	base := time.Now()
	e.OnSample("BTCUSDT", TickSample(base, 100, 1))
	e.OnSample("BTCUSDT", TickSample(base.Add(-time.Second), 999, 1))
	require.Equal(t, 1, e.SeriesLen("BTCUSDT"))

	e.OnSample("BTCUSDT", TickSample(base.Add(time.Second), 102, 1))
	e.OnSample("BTCUSDT", TickSample(base.Add(2*time.Second), 104, 1))

	got := e.Calculate(v, 0)
	require.True(t, got.IsSome())
	require.InDelta(t, (100.0+102+104)/3, got.Unwrap().Value, 1e-9)
}

func TestEngineSweepTearsDownGraceExpiredVariants(t *testing.T) {
	e := newTestEngine(Config{VariantGrace: 20 * time.Millisecond})
	btc := smaVariant("BTCUSDT", 5)
	eth := smaVariant("ETHUSDT", 5)
	btcKey, err := e.AcquireVariant(btc, time.Second)
	require.NoError(t, err)
	_, err = e.AcquireVariant(eth, time.Second)
	require.NoError(t, err)

	stream := syntheticStream(10)
	feedStream(e, "BTCUSDT", stream)
	feedStream(e, "ETHUSDT", stream)
	require.True(t, e.Calculate(btc, 7).IsSome())
	require.Equal(t, 3, e.Stats().Cache.Entries) // two BTC buckets, one ETH

	e.ReleaseVariant(btcKey)
	time.Sleep(40 * time.Millisecond)
	e.Sweep()

	require.Equal(t, 1, e.VariantCount())
	require.Equal(t, 1, e.Stats().Cache.Entries)
	_, ok := e.cache.Get(cacheKey(btcKey, 0))
	require.False(t, ok)
	require.True(t, e.Calculate(eth, 0).IsSome())
}

func TestEngineSweepShedsUnderPressure(t *testing.T) {
	at := time.Now()
	perEntry := estimateBytes("BTCUSDT|sma|period=20|w10", scalar(0, at, 1))
	e := newTestEngine(Config{MaxBytes: 10 * perEntry})
	stream := syntheticStream(30)
	feedStream(e, "BTCUSDT", stream)

	v := smaVariant("BTCUSDT", 20)
	for w := 10; w <= 19; w++ {
		require.True(t, e.Calculate(v, w).IsSome())
	}
	require.True(t, e.cache.UnderPressure(e.cfg.PressureRatio))

	e.Sweep()
	require.False(t, e.cache.UnderPressure(e.cfg.PressureRatio))
	entries := e.Stats().Cache.Entries
	require.Greater(t, entries, 0)
	require.Less(t, entries, 10)
}

func TestEngineStartStop(t *testing.T) {
	e := newTestEngine(Config{SweepInterval: 5 * time.Millisecond})
	e.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	e.Stop()
	e.Stop()
}

func TestEngineStats(t *testing.T) {
	e := newTestEngine(Config{})
	_, err := e.AcquireVariant(smaVariant("BTCUSDT", 5), time.Second)
	require.NoError(t, err)
	feedStream(e, "BTCUSDT", syntheticStream(10))

	st := e.Stats()
	require.Equal(t, 1, st.Variants)
	require.Equal(t, 1, st.Symbols)
	require.Positive(t, st.HeapBytes)
	require.Equal(t, 1, st.Cache.Entries)
}
