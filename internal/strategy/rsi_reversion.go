package strategy

import (
	"fmt"

	"signal-engine/internal/indicators"
	apperrors "signal-engine/pkg/errors"
)

// rsiReversion buys oversold dips and rides them back to the midline.
// Entry is RSI under the oversold threshold; the position is closed
// when RSI recovers past exit_level or stretches past overbought.
type rsiReversion struct {
	symbol string
	rsi    indicators.Variant

	oversold   float64
	overbought float64
	exitLevel  float64
}

func newRSIReversion(symbol string, params map[string]float64) (Strategy, error) {
	period := intParamOr(params, "period", 14)
	oversold := paramOr(params, "oversold", 30)
	overbought := paramOr(params, "overbought", 70)
	exitLevel := paramOr(params, "exit_level", 55)
	if period <= 0 {
		return nil, apperrors.Newf(apperrors.CodeValidation, "rsi_reversion needs period > 0, got %d", period)
	}
	if oversold <= 0 || overbought >= 100 || oversold >= overbought {
		return nil, apperrors.Newf(apperrors.CodeValidation,
			"rsi_reversion needs 0 < oversold < overbought < 100, got %.1f/%.1f", oversold, overbought)
	}
	return &rsiReversion{
		symbol:     symbol,
		rsi:        indicators.Variant{Symbol: symbol, Kind: indicators.KindRSI, Params: map[string]float64{"period": float64(period)}},
		oversold:   oversold,
		overbought: overbought,
		exitLevel:  exitLevel,
	}, nil
}

func (s *rsiReversion) Type() string { return "rsi_reversion" }

func (s *rsiReversion) Variants() []indicators.Variant {
	return []indicators.Variant{s.rsi}
}

func (s *rsiReversion) Evaluate(vals Values, price float64, held float64) Advice {
	opt := vals.Calculate(s.rsi, 0)
	if opt.IsNone() {
		return hold("warming up")
	}
	rsi := opt.Unwrap().Value

	if held != 0 {
		if rsi >= s.exitLevel {
			return exit(fmt.Sprintf("rsi recovered to %.1f", rsi))
		}
		return hold(fmt.Sprintf("riding reversion, rsi %.1f", rsi))
	}

	if rsi < s.oversold {
		// Deeper oversold readings carry more conviction.
		strength := (s.oversold - rsi) / s.oversold
		return enter(SideBuy, 0.3+strength, fmt.Sprintf("rsi oversold at %.1f", rsi))
	}
	if rsi > s.overbought {
		return hold(fmt.Sprintf("overbought at %.1f, no short leg", rsi))
	}
	return hold(fmt.Sprintf("rsi neutral at %.1f", rsi))
}
