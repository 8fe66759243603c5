package strategy

import (
	"testing"
	"time"

	"signal-engine/internal/indicators"
	"signal-engine/pkg/logger"
)

// stratHarness drives one strategy against a real indicator engine,
// acquiring variants the way activation does so every sample refreshes
// the primary cache buckets.
type stratHarness struct {
	t     *testing.T
	eng   *indicators.Engine
	strat Strategy
	now   time.Time
}

func newStratHarness(t *testing.T, cfg InstanceConfig) *stratHarness {
	t.Helper()
	eng := indicators.NewEngine(indicators.Config{}, logger.NewNop())
	strat, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, v := range strat.Variants() {
		key, err := eng.AcquireVariant(v, 50*time.Millisecond)
		if err != nil {
			t.Fatalf("AcquireVariant(%+v): %v", v, err)
		}
		t.Cleanup(func() { eng.ReleaseVariant(key) })
	}
	return &stratHarness{t: t, eng: eng, strat: strat, now: testStamp}
}

func (h *stratHarness) feed(prices ...float64) {
	for _, p := range prices {
		h.feedVol(p, 1000)
	}
}

func (h *stratHarness) feedVol(price, volume float64) {
	h.eng.OnSample("BTC_USDT", indicators.TickSample(h.now, price, volume))
	h.now = h.now.Add(time.Second)
}

func (h *stratHarness) eval(price, held float64) Advice {
	return h.strat.Evaluate(h.eng, price, held)
}

func (h *stratHarness) wantAction(a Advice, action, side string) {
	h.t.Helper()
	if a.Action != action {
		h.t.Fatalf("advice = %+v, want action %s", a, action)
	}
	if side != "" && a.Side != side {
		h.t.Fatalf("advice = %+v, want side %s", a, side)
	}
}

func TestMACrossFollowsAlignment(t *testing.T) {
	h := newStratHarness(t, InstanceConfig{
		Type: "ma_cross", Symbol: "BTC_USDT", Size: 1,
		Params: map[string]float64{"fast": 3, "slow": 5},
	})

	h.feed(100, 99)
	h.wantAction(h.eval(99, 0), ActionHold, "")

	h.feed(98, 97, 96)
	// fast (97) under slow (98), flat, shorts disabled.
	h.wantAction(h.eval(96, 0), ActionHold, "")

	h.feed(100, 106, 112)
	a := h.eval(112, 0)
	h.wantAction(a, ActionEnter, SideBuy)
	if a.Strength <= 0 {
		t.Fatalf("entry strength = %v, want > 0", a.Strength)
	}

	// While long and aligned, sit tight.
	h.wantAction(h.eval(112, 1), ActionHold, "")

	h.feed(90, 80, 70)
	h.wantAction(h.eval(70, 1), ActionExit, "")
}

func TestMACrossShortSide(t *testing.T) {
	h := newStratHarness(t, InstanceConfig{
		Type: "ma_cross", Symbol: "BTC_USDT", Size: 1,
		Params: map[string]float64{"fast": 3, "slow": 5, "allow_short": 1},
	})

	h.feed(100, 99, 98, 97, 96)
	h.wantAction(h.eval(96, 0), ActionEnter, SideSell)

	// Short while misaligned downward holds.
	h.wantAction(h.eval(96, -1), ActionHold, "")

	h.feed(104, 110, 118)
	h.wantAction(h.eval(118, -1), ActionExit, "")
}

func TestRSIReversionCycle(t *testing.T) {
	h := newStratHarness(t, InstanceConfig{
		Type: "rsi_reversion", Symbol: "BTC_USDT", Size: 1,
		Params: map[string]float64{"period": 5, "oversold": 30, "overbought": 70, "exit_level": 55},
	})

	h.feed(100, 99)
	h.wantAction(h.eval(99, 0), ActionHold, "")

	// Straight losses drive RSI to the floor.
	h.feed(98, 97, 96, 95)
	a := h.eval(95, 0)
	h.wantAction(a, ActionEnter, SideBuy)
	if a.Strength < 0.5 {
		t.Fatalf("deep oversold should read strong, got %v", a.Strength)
	}

	// Not yet recovered: keep riding.
	h.feed(95.5)
	h.wantAction(h.eval(95.5, 1), ActionHold, "")

	// Straight gains push RSI well past the exit level.
	h.feed(96, 97, 98, 99, 100, 101)
	h.wantAction(h.eval(101, 1), ActionExit, "")
}

func TestBollingerBreakoutCycle(t *testing.T) {
	h := newStratHarness(t, InstanceConfig{
		Type: "bollinger_breakout", Symbol: "BTC_USDT", Size: 1,
		Params: map[string]float64{"period": 5, "mult": 2},
	})

	h.feed(100, 101, 99, 100, 101)
	h.wantAction(h.eval(100.5, 0), ActionHold, "")

	// Well above the upper band with healthy width.
	h.wantAction(h.eval(104, 0), ActionEnter, SideBuy)

	// Holding: above the middle band keeps the trade on.
	h.wantAction(h.eval(103, 1), ActionHold, "")
	// Back under the middle band closes it.
	h.wantAction(h.eval(99, 1), ActionExit, "")
}

func TestBollingerBreakoutIgnoresFlatBands(t *testing.T) {
	h := newStratHarness(t, InstanceConfig{
		Type: "bollinger_breakout", Symbol: "BTC_USDT", Size: 1,
		Params: map[string]float64{"period": 5, "mult": 2},
	})

	h.feed(100, 100, 100, 100, 100)
	// Price pokes over a zero-width band; chop filter holds.
	h.wantAction(h.eval(100.2, 0), ActionHold, "")
}

func TestMomentumVolumeNeedsAllConfirmations(t *testing.T) {
	cfg := InstanceConfig{
		Type: "momentum_volume", Symbol: "BTC_USDT", Size: 1,
		Params: map[string]float64{
			"roc_period": 3, "trend_window": 6,
			"vol_short": 2, "vol_long": 4,
			"roc_threshold": 1, "vol_ratio_min": 1.5,
		},
	}

	t.Run("fires on momentum with volume", func(t *testing.T) {
		h := newStratHarness(t, cfg)
		h.feed(100, 102, 104, 106, 108, 110)
		h.feedVol(113, 6000)
		h.wantAction(h.eval(113, 0), ActionEnter, SideBuy)
	})

	t.Run("quiet volume vetoes", func(t *testing.T) {
		h := newStratHarness(t, cfg)
		h.feed(100, 102, 104, 106, 108, 110, 113)
		h.wantAction(h.eval(113, 0), ActionHold, "")
	})

	t.Run("rolled momentum exits", func(t *testing.T) {
		h := newStratHarness(t, cfg)
		h.feed(100, 102, 104, 106, 113, 105, 100, 95)
		h.wantAction(h.eval(95, 1), ActionExit, "")
	})
}

func TestStrategiesHoldWhileWarmingUp(t *testing.T) {
	for _, typ := range Types() {
		h := newStratHarness(t, InstanceConfig{Type: typ, Symbol: "BTC_USDT", Size: 1})
		h.feed(100, 101)
		if a := h.eval(101, 0); a.Action != ActionHold {
			t.Errorf("%s advised %s on two samples, want hold", typ, a.Action)
		}
	}
}
