package risk

// Limits bound a session's trading activity. Zero means a limit is
// disabled except MinOrderNotional, where zero just admits dust.
type Limits struct {
	MinOrderNotional    float64 `yaml:"min_order_notional"`
	MaxOrderNotional    float64 `yaml:"max_order_notional"`
	MaxPositionNotional float64 `yaml:"max_position_notional"`
	MaxTotalNotional    float64 `yaml:"max_total_notional"`
	MaxOpenPositions    int     `yaml:"max_open_positions"`
	MaxDailyLoss        float64 `yaml:"max_daily_loss"`
	MaxDailyTrades      int     `yaml:"max_daily_trades"`
	MarginRatioFloor    float64 `yaml:"margin_ratio_floor"`

	// Protective exit distances, as fractions of entry price.
	StopLossPct   float64 `yaml:"stop_loss_pct"`
	TakeProfitPct float64 `yaml:"take_profit_pct"`
	Trailing      bool    `yaml:"trailing"`
	TrailingPct   float64 `yaml:"trailing_pct"`
}

// DefaultLimits suits a small paper account.
func DefaultLimits() Limits {
	return Limits{
		MinOrderNotional:    10,
		MaxOrderNotional:    5000,
		MaxPositionNotional: 5000,
		MaxTotalNotional:    20000,
		MaxOpenPositions:    5,
		MaxDailyLoss:        500,
		MaxDailyTrades:      50,
		MarginRatioFloor:    0,
		StopLossPct:         0.02,
		TakeProfitPct:       0.05,
		Trailing:            false,
		TrailingPct:         0.015,
	}
}

// Metrics tracks risk activity. Daily fields reset on the first touch
// of a new calendar day.
type Metrics struct {
	Day         string
	DailyTrades int
	DailyPnL    float64
	DailyLoss   float64
	RealizedPnL float64
	PeakPnL     float64
	MaxDrawdown float64
	Checks      uint64
	Vetoes      uint64
}
