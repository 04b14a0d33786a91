package strategy

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		StrategyName: "ma_stop_st",
		Timeframe:    "15m",
		Leverage:     4,
		PositionSide: "BOTH",
		MarginMode:   "cross",
		MarginType:   "USDC",
		TradingPairs: []TradingPair{{
			Symbol: "XRPUSDC",
			IndicatorParams: map[string]map[string]any{
				"ma_stop_ta": {"period": 20, "percent": 2},
			},
		}},
	}
}

func TestValidateTable(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing timeframe", func(c *Config) { c.Timeframe = "" }, true},
		{"zero leverage", func(c *Config) { c.Leverage = 0 }, true},
		{"missing position side", func(c *Config) { c.PositionSide = "" }, true},
		{"missing margin mode", func(c *Config) { c.MarginMode = "" }, true},
		{"missing margin type", func(c *Config) { c.MarginType = "" }, true},
		{"no pairs", func(c *Config) { c.TradingPairs = nil }, true},
		{"pair without symbol", func(c *Config) { c.TradingPairs[0].Symbol = "" }, true},
		{"pair without indicators", func(c *Config) { c.TradingPairs[0].IndicatorParams = nil }, true},
		{"normal grid ok", func(c *Config) {
			c.GridTrading = &GridConfig{Enabled: true, GridType: "normal", Ratio: 1,
				GridLevels: 10, UpperPrice: 1.05, LowerPrice: 0.95}
		}, false},
		{"normal grid defaults ratio", func(c *Config) {
			c.GridTrading = &GridConfig{Enabled: true, GridType: "normal",
				GridLevels: 10, UpperPrice: 1.05, LowerPrice: 0.95}
		}, false},
		{"normal grid bad ratio", func(c *Config) {
			c.GridTrading = &GridConfig{Enabled: true, GridType: "normal", Ratio: 0.5,
				GridLevels: 10, UpperPrice: 1.05, LowerPrice: 0.95}
		}, true},
		{"abnormal grid ok", func(c *Config) {
			c.GridTrading = &GridConfig{Enabled: true, GridType: "abnormal", Ratio: 0.5,
				GridLevels: 10, UpperPrice: 1.05, LowerPrice: 0.95}
		}, false},
		{"abnormal grid full ratio", func(c *Config) {
			c.GridTrading = &GridConfig{Enabled: true, GridType: "abnormal", Ratio: 1,
				GridLevels: 10, UpperPrice: 1.05, LowerPrice: 0.95}
		}, true},
		{"unknown grid type", func(c *Config) {
			c.GridTrading = &GridConfig{Enabled: true, GridType: "diagonal", Ratio: 1,
				GridLevels: 10, UpperPrice: 1.05, LowerPrice: 0.95}
		}, true},
		{"grid missing bounds", func(c *Config) {
			c.GridTrading = &GridConfig{Enabled: true, GridType: "normal", Ratio: 1, GridLevels: 10}
		}, true},
		{"grid inverted bounds", func(c *Config) {
			c.GridTrading = &GridConfig{Enabled: true, GridType: "normal", Ratio: 1,
				GridLevels: 10, UpperPrice: 0.95, LowerPrice: 1.05}
		}, true},
		{"disabled grid skips checks", func(c *Config) {
			c.GridTrading = &GridConfig{Enabled: false}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr && err == nil {
				t.Fatalf("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadConfigYAMLFallback(t *testing.T) {
	dir := t.TempDir()
	userDir := filepath.Join(dir, "u1")
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	yaml := `
timeframe: 15m
leverage: 4
position_side: BOTH
margin_mode: cross
margin_type: USDC
trading_pairs:
  - symbol: XRPUSDC
    indicator_params:
      ma_stop_ta:
        period: 20
        percent: 2
reverse: true
`
	if err := os.WriteFile(filepath.Join(userDir, "yml_st.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(dir, "u1", "yml_st")
	if err != nil {
		t.Fatalf("load yaml config: %v", err)
	}
	if cfg.StrategyName != "yml_st" {
		t.Fatalf("strategy name must default to the file name")
	}
	if !cfg.Reverse || cfg.Leverage != 4 || len(cfg.TradingPairs) != 1 {
		t.Fatalf("yaml fields not decoded: %+v", cfg)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(t.TempDir(), "u1", "nope"); err == nil {
		t.Fatalf("missing config must error")
	}
}
