package strategy

// PositionState tracks the per-symbol position the strategy believes it
// holds. It changes only on tr.position.opened / tr.position.closed.
type PositionState string

const (
	PositionNone  PositionState = "NONE"
	PositionLong  PositionState = "LONG"
	PositionShort PositionState = "SHORT"
)

// GridConfig is the optional grid_trading section of a strategy file.
type GridConfig struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	GridType   string  `json:"grid_type" yaml:"grid_type"` // normal | abnormal
	Ratio      float64 `json:"ratio" yaml:"ratio"`
	GridLevels int     `json:"grid_levels" yaml:"grid_levels"`
	UpperPrice float64 `json:"upper_price" yaml:"upper_price"`
	LowerPrice float64 `json:"lower_price" yaml:"lower_price"`
	MoveUp     bool    `json:"move_up" yaml:"move_up"`
	MoveDown   bool    `json:"move_down" yaml:"move_down"`
}

// TradingPair binds a symbol to its indicator parameter sets.
type TradingPair struct {
	Symbol          string                    `json:"symbol" yaml:"symbol"`
	IndicatorParams map[string]map[string]any `json:"indicator_params" yaml:"indicator_params"`
}

// Config is one strategy file.
type Config struct {
	StrategyName string        `json:"strategy_name" yaml:"strategy_name"`
	Timeframe    string        `json:"timeframe" yaml:"timeframe"`
	Leverage     int           `json:"leverage" yaml:"leverage"`
	PositionSide string        `json:"position_side" yaml:"position_side"`
	MarginMode   string        `json:"margin_mode" yaml:"margin_mode"`
	MarginType   string        `json:"margin_type" yaml:"margin_type"`
	TradingPairs []TradingPair `json:"trading_pairs" yaml:"trading_pairs"`
	GridTrading  *GridConfig   `json:"grid_trading" yaml:"grid_trading"`
	Reverse      bool          `json:"reverse" yaml:"reverse"`
}

// GridEnabled reports whether the config activates grid trading.
func (c *Config) GridEnabled() bool {
	return c.GridTrading != nil && c.GridTrading.Enabled
}
