// Package indicators maintains incrementally computed indicator value
// streams per (symbol, kind, parameter set). Values are served through
// an adaptive-TTL cache bounded by entry count and estimated bytes;
// insufficient data yields None, never a numeric placeholder.
package indicators

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind names one indicator algorithm.
type Kind string

const (
	KindSMA         Kind = "sma"
	KindEMA         Kind = "ema"
	KindRSI         Kind = "rsi"
	KindBollinger   Kind = "bollinger"
	KindMACD        Kind = "macd"
	KindATR         Kind = "atr"
	KindVWAP        Kind = "vwap"
	KindOBV         Kind = "obv"
	KindStochastic  Kind = "stochastic"
	KindROC         Kind = "roc"
	KindStdDev      Kind = "stddev"
	KindVolumeRatio Kind = "volume_ratio"
)

// Sample is one normalized market data point. Raw ticks carry the trade
// price in all three price fields; candle-aggregated samples carry real
// highs and lows.
type Sample struct {
	Ts     time.Time
	Price  float64
	High   float64
	Low    float64
	Volume float64
}

// TickSample builds a degenerate sample from a raw tick.
func TickSample(ts time.Time, price, volume float64) Sample {
	return Sample{Ts: ts, Price: price, High: price, Low: price, Volume: volume}
}

// Value is one computed indicator result. Components carries the extra
// series of multi-line indicators (bands, signal lines); it is nil for
// scalar indicators.
type Value struct {
	Value      float64
	Components map[string]float64
	At         time.Time
	Samples    int
}

// Variant identifies one incrementally maintained value stream:
// (symbol, kind, parameter set). Two strategies declaring identical
// parameters share a single variant.
type Variant struct {
	Symbol string
	Kind   Kind
	Params map[string]float64
}

// Key returns the canonical identity string. Parameters are sorted so
// equal parameter sets always map to equal keys.
func (v Variant) Key() string {
	var b strings.Builder
	b.WriteString(v.Symbol)
	b.WriteByte('|')
	b.WriteString(string(v.Kind))
	if len(v.Params) > 0 {
		names := make([]string, 0, len(v.Params))
		for name := range v.Params {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b.WriteByte('|')
			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(strconv.FormatFloat(v.Params[name], 'g', -1, 64))
		}
	}
	return b.String()
}

func (v Variant) String() string { return v.Key() }

// Param returns a named parameter as int, with a default.
func (v Variant) Param(name string, def int) int {
	if raw, ok := v.Params[name]; ok {
		return int(raw)
	}
	return def
}

// ParamF returns a named parameter as float64, with a default.
func (v Variant) ParamF(name string, def float64) float64 {
	if raw, ok := v.Params[name]; ok {
		return raw
	}
	return def
}

// Period returns the variant's primary window length.
func (v Variant) Period() int {
	return v.Param("period", 0)
}

// Validate checks the variant names a known kind with usable
// parameters.
func (v Variant) Validate() error {
	if strings.TrimSpace(v.Symbol) == "" {
		return fmt.Errorf("variant needs a symbol")
	}
	switch v.Kind {
	case KindSMA, KindEMA, KindRSI, KindATR, KindVWAP, KindStdDev, KindROC:
		if v.Period() <= 0 {
			return fmt.Errorf("%s needs period > 0", v.Kind)
		}
	case KindBollinger:
		if v.Period() <= 1 {
			return fmt.Errorf("bollinger needs period > 1")
		}
		if v.ParamF("mult", 2) <= 0 {
			return fmt.Errorf("bollinger needs mult > 0")
		}
	case KindMACD:
		fast, slow, signal := v.Param("fast", 12), v.Param("slow", 26), v.Param("signal", 9)
		if fast <= 0 || slow <= 0 || signal <= 0 || fast >= slow {
			return fmt.Errorf("macd needs 0 < fast < slow and signal > 0")
		}
	case KindStochastic:
		if v.Param("k", 14) <= 0 || v.Param("d", 3) <= 0 {
			return fmt.Errorf("stochastic needs k > 0 and d > 0")
		}
	case KindOBV:
		// cumulative, no window parameter
	case KindVolumeRatio:
		short, long := v.Param("short", 0), v.Param("long", 0)
		if short <= 0 || long <= 0 || short >= long {
			return fmt.Errorf("volume_ratio needs 0 < short < long")
		}
	default:
		return fmt.Errorf("unknown indicator kind %q", v.Kind)
	}
	return nil
}

// scalar builds a Value with no components.
func scalar(v float64, at time.Time, samples int) Value {
	return Value{Value: v, At: at, Samples: samples}
}
