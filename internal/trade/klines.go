package trade

import (
	"quantflow/internal/events"
	"quantflow/pkg/binance"
)

// klinesFromData unwraps the kline window carried inside event data.
func klinesFromData(d events.Data) []binance.Kline {
	if ks, ok := d["klines"].([]binance.Kline); ok {
		return ks
	}
	return nil
}
