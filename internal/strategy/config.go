package strategy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads a strategy file from dir/{userID}/{strategyName}.json,
// falling back to the .yaml spelling, and validates it.
func LoadConfig(dir, userID, strategyName string) (*Config, error) {
	base := filepath.Join(dir, userID, strategyName)

	var (
		raw []byte
		err error
	)
	raw, err = os.ReadFile(base + ".json")
	isYAML := false
	if err != nil {
		raw, err = os.ReadFile(base + ".yaml")
		isYAML = true
	}
	if err != nil {
		return nil, fmt.Errorf("read strategy config %s/%s: %w", userID, strategyName, err)
	}

	var cfg Config
	if isYAML {
		err = yaml.Unmarshal(raw, &cfg)
	} else {
		err = json.Unmarshal(raw, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse strategy config %s/%s: %w", userID, strategyName, err)
	}
	if cfg.StrategyName == "" {
		cfg.StrategyName = strategyName
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks a strategy configuration against the rules every strategy
// must satisfy before it can trade.
func Validate(c *Config) error {
	if c.Timeframe == "" {
		return fmt.Errorf("strategy config: timeframe is required")
	}
	if c.Leverage <= 0 {
		return fmt.Errorf("strategy config: leverage must be positive, got %d", c.Leverage)
	}
	if c.PositionSide == "" {
		return fmt.Errorf("strategy config: position_side is required")
	}
	if c.MarginMode == "" {
		return fmt.Errorf("strategy config: margin_mode is required")
	}
	if c.MarginType == "" {
		return fmt.Errorf("strategy config: margin_type is required")
	}
	if len(c.TradingPairs) == 0 {
		return fmt.Errorf("strategy config: trading_pairs must not be empty")
	}
	for i, pair := range c.TradingPairs {
		if pair.Symbol == "" {
			return fmt.Errorf("strategy config: trading_pairs[%d] missing symbol", i)
		}
		if len(pair.IndicatorParams) == 0 {
			return fmt.Errorf("strategy config: trading_pairs[%d] (%s) has no indicator_params", i, pair.Symbol)
		}
	}

	if c.GridTrading != nil && c.GridTrading.Enabled {
		g := c.GridTrading
		switch g.GridType {
		case "normal":
			if g.Ratio == 0 {
				g.Ratio = 1
			}
			if g.Ratio != 1 {
				return fmt.Errorf("strategy config: normal grid requires ratio = 1, got %v", g.Ratio)
			}
		case "abnormal":
			if g.Ratio <= 0 || g.Ratio >= 1 {
				return fmt.Errorf("strategy config: abnormal grid requires ratio in (0, 1), got %v", g.Ratio)
			}
		default:
			return fmt.Errorf("strategy config: grid_type must be normal or abnormal, got %q", g.GridType)
		}
		if g.GridLevels <= 0 {
			g.GridLevels = 10
		}
		// Omitted band bounds are a configuration error, not something to
		// guess at trade time.
		if g.UpperPrice <= 0 || g.LowerPrice <= 0 {
			return fmt.Errorf("strategy config: grid upper_price and lower_price are required")
		}
		if g.UpperPrice <= g.LowerPrice {
			return fmt.Errorf("strategy config: grid upper_price %v must exceed lower_price %v",
				g.UpperPrice, g.LowerPrice)
		}
	}
	return nil
}
