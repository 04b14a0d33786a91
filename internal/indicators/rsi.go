package indicators

import (
	"fmt"

	"quantflow/pkg/binance"
)

// RSI is a Relative Strength Index filter: oversold means LONG, overbought
// means SHORT, in between means NONE. Smoothing is disabled; gains and
// losses are summed over the plain lookback window.
type RSI struct {
	base
	period     int
	oversold   float64
	overbought float64
}

func NewRSI(name, userID, symbol, interval string, params Params) (Instance, error) {
	period := params.Int("period", 14)
	if period <= 0 {
		return nil, fmt.Errorf("rsi: period must be positive, got %d", period)
	}
	return &RSI{
		base:       base{userID: userID, symbol: symbol, interval: interval, name: name},
		period:     period,
		oversold:   params.Float("oversold", 30),
		overbought: params.Float("overbought", 70),
	}, nil
}

func (r *RSI) MinKlines() int { return r.period*2 + 1 }

func (r *RSI) Initialize(klines []binance.Kline) error {
	if len(klines) < r.period+1 {
		return fmt.Errorf("rsi: need %d klines, got %d", r.period+1, len(klines))
	}
	r.ready = true
	return nil
}

func (r *RSI) Calculate(klines []binance.Kline) (Result, error) {
	cs := closes(klines)
	if len(cs) < r.period+1 {
		return Result{Signal: SignalNone, Data: map[string]any{
			"error": "insufficient klines", "required": r.period + 1, "actual": len(cs),
		}}, nil
	}

	gain, loss := 0.0, 0.0
	for i := len(cs) - r.period; i < len(cs); i++ {
		change := cs[i] - cs[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}

	value := 100.0
	if loss != 0 {
		rs := gain / loss
		value = 100 - (100 / (1 + rs))
	}

	signal := SignalNone
	switch {
	case value <= r.oversold:
		signal = SignalLong
	case value >= r.overbought:
		signal = SignalShort
	}

	return Result{
		Signal: signal,
		Data: map[string]any{
			"rsi":        value,
			"period":     r.period,
			"oversold":   r.oversold,
			"overbought": r.overbought,
		},
	}, nil
}
