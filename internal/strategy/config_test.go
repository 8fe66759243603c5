package strategy

import (
	"os"
	"path/filepath"
	"testing"

	apperrors "signal-engine/pkg/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigParsesStrategies(t *testing.T) {
	path := writeConfig(t, `
strategies:
  - type: ma_cross
    symbol: BTC_USDT
    size: 0.5
    params:
      fast: 5
      slow: 20
  - type: rsi_reversion
    symbol: ETH_USDT
    size: 1.5
    params:
      period: 14
      oversold: 25
`)

	cfgs, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfgs) != 2 {
		t.Fatalf("got %d strategies, want 2", len(cfgs))
	}
	if cfgs[0].Type != "ma_cross" || cfgs[0].Symbol != "BTC_USDT" || cfgs[0].Size != 0.5 {
		t.Fatalf("first entry mangled: %+v", cfgs[0])
	}
	if cfgs[0].Params["slow"] != 20 {
		t.Fatalf("params mangled: %+v", cfgs[0].Params)
	}
	if cfgs[1].Params["oversold"] != 25 {
		t.Fatalf("second params mangled: %+v", cfgs[1].Params)
	}
}

func TestLoadConfigRejectsUnknownType(t *testing.T) {
	path := writeConfig(t, `
strategies:
  - type: martingale
    symbol: BTC_USDT
    size: 1
`)
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("unknown type must fail validation")
	}
	if !apperrors.HasCode(err, apperrors.CodeMissingStrategyConfig) {
		t.Fatalf("wrong code: %v", err)
	}
}

func TestLoadConfigRejectsNonPositiveSize(t *testing.T) {
	path := writeConfig(t, `
strategies:
  - type: ma_cross
    symbol: BTC_USDT
    size: 0
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("zero size must fail validation")
	}
}

func TestLoadConfigRejectsEmptyFile(t *testing.T) {
	path := writeConfig(t, `strategies: []`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("empty strategy list must fail validation")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("missing file must error")
	}
	if !apperrors.HasCode(err, apperrors.CodeMissingStrategyConfig) {
		t.Fatalf("wrong code: %v", err)
	}
}

func TestBuildRejectsBadParams(t *testing.T) {
	cases := []InstanceConfig{
		{Type: "ma_cross", Symbol: "BTC_USDT", Size: 1, Params: map[string]float64{"fast": 30, "slow": 10}},
		{Type: "rsi_reversion", Symbol: "BTC_USDT", Size: 1, Params: map[string]float64{"oversold": 80, "overbought": 70}},
		{Type: "bollinger_breakout", Symbol: "BTC_USDT", Size: 1, Params: map[string]float64{"mult": -1}},
		{Type: "momentum_volume", Symbol: "BTC_USDT", Size: 1, Params: map[string]float64{"roc_period": 10, "trend_window": 5}},
		{Type: "no_such_thing", Symbol: "BTC_USDT", Size: 1},
	}
	for _, cfg := range cases {
		if _, err := Build(cfg); err == nil {
			t.Errorf("Build(%s %+v) should fail", cfg.Type, cfg.Params)
		} else if !apperrors.HasCode(err, apperrors.CodeMissingStrategyConfig) {
			t.Errorf("Build(%s) wrong code: %v", cfg.Type, err)
		}
	}
}

func TestBuildDefaults(t *testing.T) {
	for _, typ := range Types() {
		strat, err := Build(InstanceConfig{Type: typ, Symbol: "BTC_USDT", Size: 1})
		if err != nil {
			t.Fatalf("Build(%s) with defaults: %v", typ, err)
		}
		if strat.Type() != typ {
			t.Fatalf("Type() = %s, want %s", strat.Type(), typ)
		}
		if len(strat.Variants()) == 0 {
			t.Fatalf("%s declares no indicator variants", typ)
		}
		for _, v := range strat.Variants() {
			if v.Symbol != "BTC_USDT" {
				t.Fatalf("%s variant missing symbol: %+v", typ, v)
			}
		}
	}
}
