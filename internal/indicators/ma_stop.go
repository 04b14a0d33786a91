package indicators

import (
	"fmt"

	"quantflow/pkg/binance"
)

// MAStop is a moving-average trend filter with percentage stop bands.
// Close above the lower band means LONG, below the upper band means SHORT.
type MAStop struct {
	base
	period  int
	percent float64
	min     int
}

// NewMAStop builds an ma_stop instance. The minimum window is twice the
// period, floored at 50, so the average is stable before the first signal.
func NewMAStop(name, userID, symbol, interval string, params Params) (Instance, error) {
	period := params.Int("period", 20)
	percent := params.Float("percent", 2)
	if period <= 0 {
		return nil, fmt.Errorf("ma_stop: period must be positive, got %d", period)
	}
	if percent <= 0 || percent >= 100 {
		return nil, fmt.Errorf("ma_stop: percent must be in (0, 100), got %v", percent)
	}
	min := period * 2
	if min < 50 {
		min = 50
	}
	return &MAStop{
		base:    base{userID: userID, symbol: symbol, interval: interval, name: name},
		period:  period,
		percent: percent,
		min:     min,
	}, nil
}

func (m *MAStop) MinKlines() int { return m.min }

func (m *MAStop) Initialize(klines []binance.Kline) error {
	if len(klines) < m.period {
		return fmt.Errorf("ma_stop: need %d klines, got %d", m.period, len(klines))
	}
	m.ready = true
	return nil
}

func (m *MAStop) Calculate(klines []binance.Kline) (Result, error) {
	cs := closes(klines)
	if len(cs) < m.period {
		return Result{Signal: SignalNone, Data: map[string]any{
			"error": "insufficient klines", "required": m.period, "actual": len(cs),
		}}, nil
	}

	sum := 0.0
	for _, c := range cs[len(cs)-m.period:] {
		sum += c
	}
	ma := sum / float64(m.period)
	stopLong := ma * (1 - m.percent/100)
	stopShort := ma * (1 + m.percent/100)
	latest := cs[len(cs)-1]

	signal := SignalNone
	switch {
	case latest > stopLong:
		signal = SignalLong
	case latest < stopShort:
		signal = SignalShort
	}

	return Result{
		Signal: signal,
		Data: map[string]any{
			"ma":              ma,
			"stop_line_long":  stopLong,
			"stop_line_short": stopShort,
			"close":           latest,
			"period":          m.period,
			"percent":         m.percent,
		},
	}, nil
}
