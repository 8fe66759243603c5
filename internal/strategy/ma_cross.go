package strategy

import (
	"fmt"
	"math"

	"signal-engine/internal/indicators"
	apperrors "signal-engine/pkg/errors"
)

// maCross follows moving average alignment: long while the fast
// average sits above the slow one, flat (or short) while it sits
// below. Advice is level-based, so the setup keeps reading as an entry
// through the detection and confirmation stages instead of flashing
// for a single sample at the cross.
type maCross struct {
	symbol     string
	fast, slow indicators.Variant
	allowShort bool
}

func newMACross(symbol string, params map[string]float64) (Strategy, error) {
	fast := intParamOr(params, "fast", 10)
	slow := intParamOr(params, "slow", 30)
	if fast <= 0 || slow <= 0 || fast >= slow {
		return nil, apperrors.Newf(apperrors.CodeValidation,
			"ma_cross needs 0 < fast < slow, got fast=%d slow=%d", fast, slow)
	}
	return &maCross{
		symbol:     symbol,
		fast:       indicators.Variant{Symbol: symbol, Kind: indicators.KindSMA, Params: map[string]float64{"period": float64(fast)}},
		slow:       indicators.Variant{Symbol: symbol, Kind: indicators.KindSMA, Params: map[string]float64{"period": float64(slow)}},
		allowShort: paramOr(params, "allow_short", 0) != 0,
	}, nil
}

func (s *maCross) Type() string { return "ma_cross" }

func (s *maCross) Variants() []indicators.Variant {
	return []indicators.Variant{s.fast, s.slow}
}

func (s *maCross) Evaluate(vals Values, price float64, held float64) Advice {
	fastOpt := vals.Calculate(s.fast, 0)
	slowOpt := vals.Calculate(s.slow, 0)
	if fastOpt.IsNone() || slowOpt.IsNone() {
		return hold("warming up")
	}
	fast, slow := fastOpt.Unwrap(), slowOpt.Unwrap()
	diff := fast.Value - slow.Value

	switch {
	case held > 0:
		if diff < 0 {
			return exit(fmt.Sprintf("fast %.4f under slow %.4f", fast.Value, slow.Value))
		}
		return hold("trend intact")
	case held < 0:
		if diff > 0 {
			return exit(fmt.Sprintf("fast %.4f over slow %.4f", fast.Value, slow.Value))
		}
		return hold("downtrend intact")
	}

	if diff > 0 {
		return enter(SideBuy, crossStrength(diff, price),
			fmt.Sprintf("fast %.4f over slow %.4f", fast.Value, slow.Value))
	}
	if diff < 0 && s.allowShort {
		return enter(SideSell, crossStrength(diff, price),
			fmt.Sprintf("fast %.4f under slow %.4f", fast.Value, slow.Value))
	}
	return hold("averages flat or misaligned")
}

// crossStrength grades alignment by the separation between the
// averages relative to price. A 0.5% gap already counts as full
// conviction.
func crossStrength(diff, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return clamp01(math.Abs(diff) / price / 0.005)
}
