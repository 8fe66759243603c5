package strategy

import (
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	apperrors "signal-engine/pkg/errors"
)

// InstanceConfig declares one strategy instance to activate: the rule
// set, the symbol it trades, the base quantity per entry, and the
// type-specific parameters.
type InstanceConfig struct {
	Type   string             `yaml:"type" validate:"required,oneof=ma_cross rsi_reversion bollinger_breakout momentum_volume"`
	Symbol string             `yaml:"symbol" validate:"required"`
	Size   float64            `yaml:"size" validate:"gt=0"`
	Params map[string]float64 `yaml:"params"`
}

type configFile struct {
	Strategies []InstanceConfig `yaml:"strategies" validate:"min=1,dive"`
}

var validate = validator.New()

// LoadConfig reads strategy declarations from a YAML file and
// validates them structurally. Parameter-level validation happens in
// the per-type constructors at build time.
func LoadConfig(path string) ([]InstanceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeMissingStrategyConfig, "read %s", path)
	}

	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeMissingStrategyConfig, "parse %s", path)
	}
	if err := validate.Struct(file); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeMissingStrategyConfig, "validate %s", path)
	}
	return file.Strategies, nil
}
