package trade

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Default precision applied when a symbol has no explicit configuration.
const (
	defaultPricePrecision    = 2
	defaultQuantityPrecision = 0
	defaultMinNotional       = 5.0
)

type symbolPrecision struct {
	pricePrecision    int32
	quantityPrecision int32
	minNotional       float64
}

// PrecisionHandler truncates prices and quantities to the instrument's tick
// and lot and rejects orders under the minimum notional. Truncation always
// rounds down so an order never exceeds the intended size.
type PrecisionHandler struct {
	mu      sync.RWMutex
	symbols map[string]symbolPrecision
}

func NewPrecisionHandler() *PrecisionHandler {
	return &PrecisionHandler{symbols: make(map[string]symbolPrecision)}
}

// SetSymbol configures precision for one instrument.
func (p *PrecisionHandler) SetSymbol(symbol string, pricePrecision, quantityPrecision int, minNotional float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if minNotional <= 0 {
		minNotional = defaultMinNotional
	}
	p.symbols[symbol] = symbolPrecision{
		pricePrecision:    int32(pricePrecision),
		quantityPrecision: int32(quantityPrecision),
		minNotional:       minNotional,
	}
}

func (p *PrecisionHandler) get(symbol string) symbolPrecision {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if sp, ok := p.symbols[symbol]; ok {
		return sp
	}
	return symbolPrecision{
		pricePrecision:    defaultPricePrecision,
		quantityPrecision: defaultQuantityPrecision,
		minNotional:       defaultMinNotional,
	}
}

// RoundPrice truncates a price to the symbol's tick.
func (p *PrecisionHandler) RoundPrice(symbol string, price float64) float64 {
	sp := p.get(symbol)
	return truncate(price, sp.pricePrecision)
}

// RoundQuantity truncates a quantity to the symbol's lot.
func (p *PrecisionHandler) RoundQuantity(symbol string, qty float64) float64 {
	sp := p.get(symbol)
	return truncate(qty, sp.quantityPrecision)
}

// Process rounds both order parameters at once.
func (p *PrecisionHandler) Process(symbol string, price, qty float64) (float64, float64) {
	return p.RoundPrice(symbol, price), p.RoundQuantity(symbol, qty)
}

// Validate checks a rounded order against the exchange minimums.
func (p *PrecisionHandler) Validate(symbol string, price, qty float64) error {
	if qty <= 0 {
		return fmt.Errorf("quantity %v rounds to nothing for %s", qty, symbol)
	}
	sp := p.get(symbol)
	if price > 0 {
		notional := price * qty
		if notional < sp.minNotional {
			return fmt.Errorf("notional %.4f below minimum %.2f for %s", notional, sp.minNotional, symbol)
		}
	}
	return nil
}

// truncate drops digits past the given precision without rounding up.
func truncate(v float64, precision int32) float64 {
	d := decimal.NewFromFloat(v).Truncate(precision)
	f, _ := d.Float64()
	return f
}
