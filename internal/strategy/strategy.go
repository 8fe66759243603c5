// Package strategy runs trading strategies as per-symbol instances.
// Each instance walks a fixed cycle (monitoring, signal_detected,
// entry_evaluation, position_active) and must win a signal slot before
// detecting and the symbol lock before entering. Strategies themselves
// are pure evaluators over shared indicator variants; the coordinator
// owns resources, persistence, and event publication.
package strategy

import (
	"math"

	"github.com/moznion/go-optional"

	"signal-engine/internal/indicators"
	apperrors "signal-engine/pkg/errors"
)

// Advice actions. Hold carries no side; enter carries buy or sell;
// exit closes whatever the instance holds.
const (
	ActionHold  = "hold"
	ActionEnter = "enter"
	ActionExit  = "exit"
)

// Sides for entries.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Advice is one evaluation verdict. Strength grades entry conviction
// in [0, 1]; Note explains the verdict for logs and signal history.
type Advice struct {
	Action   string
	Side     string
	Strength float64
	Note     string
}

func hold(note string) Advice {
	return Advice{Action: ActionHold, Note: note}
}

func enter(side string, strength float64, note string) Advice {
	return Advice{Action: ActionEnter, Side: side, Strength: clamp01(strength), Note: note}
}

func exit(note string) Advice {
	return Advice{Action: ActionExit, Note: note}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Values hands indicator lookups to a strategy without exposing the
// rest of the engine. window <= 0 means the variant's own period.
type Values interface {
	Calculate(v indicators.Variant, window int) optional.Option[indicators.Value]
}

// Strategy is one evaluation rule set bound to a symbol. Variants
// declares the indicator streams the instance needs; they are acquired
// at activation and live for the instance's lifetime. Evaluate runs on
// the instance's own goroutine; held is the signed base quantity the
// instance currently owns, zero when flat.
//
// Advice must be level-based: an entry setup keeps reading as enter
// while it lasts, because the instance re-checks it on consecutive
// samples before committing. A strategy that cannot see all its values
// yet returns hold; None is warm-up, never an error.
type Strategy interface {
	Type() string
	Variants() []indicators.Variant
	Evaluate(vals Values, price float64, held float64) Advice
}

// builders maps config type names to constructors. Each constructor
// validates its own parameters.
var builders = map[string]func(symbol string, params map[string]float64) (Strategy, error){
	"ma_cross":           newMACross,
	"rsi_reversion":      newRSIReversion,
	"bollinger_breakout": newBollingerBreakout,
	"momentum_volume":    newMomentumVolume,
}

// Build constructs the strategy named by cfg. Unknown types and bad
// parameters come back as CodeMissingStrategyConfig.
func Build(cfg InstanceConfig) (Strategy, error) {
	build, ok := builders[cfg.Type]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeMissingStrategyConfig,
			"unknown strategy type %q", cfg.Type)
	}
	strat, err := build(cfg.Symbol, cfg.Params)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeMissingStrategyConfig,
			"build %s for %s", cfg.Type, cfg.Symbol)
	}
	return strat, nil
}

// Types lists the registered strategy type names.
func Types() []string {
	out := make([]string, 0, len(builders))
	for name := range builders {
		out = append(out, name)
	}
	return out
}

func paramOr(params map[string]float64, name string, def float64) float64 {
	if v, ok := params[name]; ok {
		return v
	}
	return def
}

func intParamOr(params map[string]float64, name string, def int) int {
	if v, ok := params[name]; ok {
		return int(v)
	}
	return def
}
