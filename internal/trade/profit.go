package trade

import "fmt"

// DefaultFeeRate is the taker fee applied when no override is supplied.
const DefaultFeeRate = 0.0004

// OrderProfit is the realised result of one entry/exit round trip, net of
// both legs' fees. Side is the held position direction.
func OrderProfit(entryPrice, exitPrice, quantity float64, side string, feeRate float64) (float64, error) {
	if entryPrice <= 0 || exitPrice <= 0 {
		return 0, fmt.Errorf("prices must be positive: entry=%v exit=%v", entryPrice, exitPrice)
	}
	if quantity <= 0 {
		return 0, fmt.Errorf("quantity must be positive: %v", quantity)
	}
	if feeRate <= 0 {
		feeRate = DefaultFeeRate
	}

	var gross float64
	switch side {
	case "LONG":
		gross = (exitPrice - entryPrice) * quantity
	case "SHORT":
		gross = (entryPrice - exitPrice) * quantity
	default:
		return 0, fmt.Errorf("side must be LONG or SHORT, got %q", side)
	}

	fees := entryPrice*quantity*feeRate + exitPrice*quantity*feeRate
	return gross - fees, nil
}

// GridPairProfit is the realised result of a completed buy/sell grid pair.
func GridPairProfit(buyPrice, sellPrice, quantity, feeRate float64) (float64, error) {
	if buyPrice <= 0 || sellPrice <= 0 {
		return 0, fmt.Errorf("prices must be positive: buy=%v sell=%v", buyPrice, sellPrice)
	}
	if quantity <= 0 {
		return 0, fmt.Errorf("quantity must be positive: %v", quantity)
	}
	if feeRate <= 0 {
		feeRate = DefaultFeeRate
	}

	gross := (sellPrice - buyPrice) * quantity
	fees := buyPrice*quantity*feeRate + sellPrice*quantity*feeRate
	return gross - fees, nil
}

// ProfitSummary aggregates a profit series.
type ProfitSummary struct {
	Total       float64
	ProfitCount int
	LossCount   int
	WinRate     float64
}

// Summarise totals a series of realised profits.
func Summarise(profits []float64) ProfitSummary {
	var s ProfitSummary
	for _, p := range profits {
		s.Total += p
		if p > 0 {
			s.ProfitCount++
		} else if p < 0 {
			s.LossCount++
		}
	}
	if len(profits) > 0 {
		s.WinRate = float64(s.ProfitCount) / float64(len(profits))
	}
	return s
}
