package trade

import (
	"fmt"
	"sync"
)

// safetyRatio keeps 5% of the available balance out of play.
const safetyRatio = 0.95

// CapitalManager owns one account's balance view and sizing rules.
type CapitalManager struct {
	userID     string
	leverage   int
	marginType string

	mu        sync.Mutex
	available float64
	total     float64
	funded    bool
}

func NewCapitalManager(userID string, leverage int, marginType string) *CapitalManager {
	if leverage <= 0 {
		leverage = 1
	}
	if marginType == "" {
		marginType = "USDC"
	}
	return &CapitalManager{userID: userID, leverage: leverage, marginType: marginType}
}

// UpdateBalance records the latest balance snapshot from the exchange.
func (c *CapitalManager) UpdateBalance(available, total float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.available = available
	if total > 0 {
		c.total = total
	} else {
		c.total = available
	}
	c.funded = true
}

// UsableBalance is the available balance after the safety buffer.
func (c *CapitalManager) UsableBalance() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.funded {
		return 0, fmt.Errorf("balance not initialised for %s", c.userID)
	}
	return c.available * safetyRatio, nil
}

// MarginPerSymbol splits the usable balance evenly across configured pairs.
func (c *CapitalManager) MarginPerSymbol(symbolCount int) (float64, error) {
	if symbolCount <= 0 {
		return 0, fmt.Errorf("symbol count must be positive, got %d", symbolCount)
	}
	usable, err := c.UsableBalance()
	if err != nil {
		return 0, err
	}
	return usable / float64(symbolCount), nil
}

// PositionSize converts margin into base quantity:
// (margin × ratio × leverage) / entry price.
func (c *CapitalManager) PositionSize(margin, entryPrice, ratio float64) (float64, error) {
	if margin <= 0 {
		return 0, fmt.Errorf("margin must be positive, got %v", margin)
	}
	if entryPrice <= 0 {
		return 0, fmt.Errorf("entry price must be positive, got %v", entryPrice)
	}
	if ratio <= 0 || ratio > 1 {
		return 0, fmt.Errorf("ratio must be in (0, 1], got %v", ratio)
	}
	return margin * ratio * float64(c.leverage) / entryPrice, nil
}

// GridOrderSize splits a position evenly across grid levels.
func (c *CapitalManager) GridOrderSize(margin, entryPrice float64, gridLevels int, ratio float64) (float64, error) {
	if gridLevels <= 0 {
		return 0, fmt.Errorf("grid levels must be positive, got %d", gridLevels)
	}
	total, err := c.PositionSize(margin, entryPrice, ratio)
	if err != nil {
		return 0, err
	}
	return total / float64(gridLevels), nil
}

func (c *CapitalManager) Leverage() int       { return c.leverage }
func (c *CapitalManager) MarginType() string  { return c.marginType }
