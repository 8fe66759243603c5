package strategy

import (
	"fmt"

	"signal-engine/internal/indicators"
	apperrors "signal-engine/pkg/errors"
)

// momentumVolume chases moves that come with participation: rate of
// change over the short window must clear a threshold, volume must run
// hot against its baseline, and the same ROC recomputed over a longer
// window must agree on direction. The long-window read reuses the
// short variant's stream through a window override, so one registered
// series serves both horizons.
type momentumVolume struct {
	symbol string
	roc    indicators.Variant
	vol    indicators.Variant

	threshold  float64
	volMin     float64
	longWindow int
}

func newMomentumVolume(symbol string, params map[string]float64) (Strategy, error) {
	rocPeriod := intParamOr(params, "roc_period", 10)
	longWindow := intParamOr(params, "trend_window", 40)
	volShort := intParamOr(params, "vol_short", 5)
	volLong := intParamOr(params, "vol_long", 30)
	if rocPeriod <= 0 || longWindow <= rocPeriod {
		return nil, apperrors.Newf(apperrors.CodeValidation,
			"momentum_volume needs trend_window > roc_period > 0, got %d/%d", rocPeriod, longWindow)
	}
	if volShort <= 0 || volLong <= volShort {
		return nil, apperrors.Newf(apperrors.CodeValidation,
			"momentum_volume needs vol_long > vol_short > 0, got %d/%d", volShort, volLong)
	}
	return &momentumVolume{
		symbol: symbol,
		roc:    indicators.Variant{Symbol: symbol, Kind: indicators.KindROC, Params: map[string]float64{"period": float64(rocPeriod)}},
		vol: indicators.Variant{Symbol: symbol, Kind: indicators.KindVolumeRatio, Params: map[string]float64{
			"short": float64(volShort),
			"long":  float64(volLong),
		}},
		threshold:  paramOr(params, "roc_threshold", 1.0),
		volMin:     paramOr(params, "vol_ratio_min", 1.5),
		longWindow: longWindow,
	}, nil
}

func (s *momentumVolume) Type() string { return "momentum_volume" }

func (s *momentumVolume) Variants() []indicators.Variant {
	return []indicators.Variant{s.roc, s.vol}
}

func (s *momentumVolume) Evaluate(vals Values, price float64, held float64) Advice {
	rocOpt := vals.Calculate(s.roc, 0)
	if rocOpt.IsNone() {
		return hold("warming up")
	}
	roc := rocOpt.Unwrap().Value

	if held != 0 {
		if roc < 0 {
			return exit(fmt.Sprintf("momentum rolled over, roc %.2f%%", roc))
		}
		return hold("momentum intact")
	}

	if roc < s.threshold {
		return hold(fmt.Sprintf("roc %.2f%% under threshold", roc))
	}

	// Both confirmations must be warm; a cold one vetoes the entry
	// rather than being assumed favorable.
	trendOpt := vals.Calculate(s.roc, s.longWindow)
	volOpt := vals.Calculate(s.vol, 0)
	if trendOpt.IsNone() || volOpt.IsNone() {
		return hold("confirmations warming up")
	}
	trend := trendOpt.Unwrap().Value
	volRatio := volOpt.Unwrap().Value

	if trend <= 0 {
		return hold(fmt.Sprintf("long trend disagrees, %d-sample roc %.2f%%", s.longWindow, trend))
	}
	if volRatio < s.volMin {
		return hold(fmt.Sprintf("volume ratio %.2f under %.2f", volRatio, s.volMin))
	}

	strength := 0.4 + roc/(s.threshold*5) + (volRatio-s.volMin)/10
	return enter(SideBuy, strength,
		fmt.Sprintf("momentum %.2f%% on %.1fx volume, trend %.2f%%", roc, volRatio, trend))
}
