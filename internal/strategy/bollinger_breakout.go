package strategy

import (
	"fmt"

	"signal-engine/internal/indicators"
	apperrors "signal-engine/pkg/errors"
)

// bollingerBreakout trades volatility expansions: a close above the
// upper band opens a long, and the trade is over once price falls back
// through the middle band. Entries additionally require the bands to
// be wide enough (sigma relative to price) to filter flat chop.
type bollingerBreakout struct {
	symbol string
	bands  indicators.Variant

	minWidth float64
}

func newBollingerBreakout(symbol string, params map[string]float64) (Strategy, error) {
	period := intParamOr(params, "period", 20)
	mult := paramOr(params, "mult", 2)
	if period <= 0 || mult <= 0 {
		return nil, apperrors.Newf(apperrors.CodeValidation,
			"bollinger_breakout needs period > 0 and mult > 0, got %d/%.2f", period, mult)
	}
	return &bollingerBreakout{
		symbol: symbol,
		bands: indicators.Variant{Symbol: symbol, Kind: indicators.KindBollinger, Params: map[string]float64{
			"period": float64(period),
			"mult":   mult,
		}},
		minWidth: paramOr(params, "min_width", 0.001),
	}, nil
}

func (s *bollingerBreakout) Type() string { return "bollinger_breakout" }

func (s *bollingerBreakout) Variants() []indicators.Variant {
	return []indicators.Variant{s.bands}
}

func (s *bollingerBreakout) Evaluate(vals Values, price float64, held float64) Advice {
	opt := vals.Calculate(s.bands, 0)
	if opt.IsNone() {
		return hold("warming up")
	}
	v := opt.Unwrap()
	upper := v.Components["upper"]
	middle := v.Components["middle"]
	sigma := v.Components["sigma"]

	if held != 0 {
		if price < middle {
			return exit(fmt.Sprintf("price %.4f back under middle band %.4f", price, middle))
		}
		return hold("breakout running")
	}

	if price <= upper {
		return hold("inside bands")
	}
	if price <= 0 || sigma/price < s.minWidth {
		return hold("bands too tight for a breakout")
	}
	// Distance past the band, in band widths, grades conviction.
	strength := 0.5 + (price-upper)/(sigma+1e-12)
	return enter(SideBuy, strength,
		fmt.Sprintf("breakout: price %.4f over upper band %.4f", price, upper))
}
