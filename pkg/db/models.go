package db

import "time"

// TaskRow mirrors the trading_tasks table.
type TaskRow struct {
	TaskID     string
	UserID     string
	Symbol     string
	Side       string
	Mode       string
	EntryPrice float64
	ExitPrice  float64
	Quantity   float64
	PnL        float64
	Status     string
	CreatedAt  time.Time
	ClosedAt   *time.Time
}

// OrderRow mirrors the orders table.
type OrderRow struct {
	OrderID        string
	TaskID         string
	UserID         string
	Symbol         string
	Side           string
	Type           string
	Price          float64
	Quantity       float64
	FilledQuantity float64
	Status         string
	IsGridOrder    bool
	GridPairID     string
	CreatedAt      time.Time
	FilledAt       *time.Time
}
