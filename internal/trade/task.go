package trade

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PositionState of a trading task.
type PositionState string

const (
	PositionNone  PositionState = "NONE"
	PositionLong  PositionState = "LONG"
	PositionShort PositionState = "SHORT"
)

// Mode selects how an open intent is executed.
type Mode string

const (
	ModeNoGrid       Mode = "NO_GRID"
	ModeNormalGrid   Mode = "NORMAL_GRID"
	ModeAbnormalGrid Mode = "ABNORMAL_GRID"
)

// OrderInfo is one order the task has submitted.
type OrderInfo struct {
	ClientID        string
	ExchangeOrderID string
	Symbol          string
	Side            string
	Type            string
	Price           float64
	Quantity        float64
	FilledQuantity  float64
	Status          string
	IsGridOrder     bool
	GridPairID      string
	CreatedAt       time.Time
	FilledAt        *time.Time
}

// Task is the per-(user, symbol) trading state machine. All mutation goes
// through the executor while holding mu: one writer at a time, and events
// are published only after the lock is released.
type Task struct {
	mu sync.Mutex

	ID     string
	UserID string
	Symbol string
	Mode   Mode

	state      PositionState
	entryPrice float64
	entrySide  string // LONG / SHORT
	quantity   float64
	gridRatio  float64

	orders      map[string]*OrderInfo // by client id
	byExchange  map[string]string     // exchange order id -> client id
	pendingOpen string                // client id of the outstanding entry order
	pendingClose string               // client id of the outstanding close order

	// Close choreography: the fill arrives first, then every surviving grid
	// order must confirm cancellation before the close is announced.
	closing        bool
	closeExitPrice float64
	pendingCancels map[string]bool

	grid *gridBook

	realized    []float64
	totalProfit float64

	CreatedAt time.Time
	OpenedAt  *time.Time
	ClosedAt  *time.Time
}

func newTask(userID, symbol string, mode Mode, gridRatio float64) *Task {
	return &Task{
		ID:             uuid.NewString(),
		UserID:         userID,
		Symbol:         symbol,
		Mode:           mode,
		state:          PositionNone,
		gridRatio:      gridRatio,
		orders:         make(map[string]*OrderInfo),
		byExchange:     make(map[string]string),
		pendingCancels: make(map[string]bool),
		CreatedAt:      time.Now(),
	}
}

// State reads the position state.
func (t *Task) State() PositionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// TotalProfit reads the accumulated realised profit.
func (t *Task) TotalProfit() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalProfit
}

// Snapshot returns a copy of the externally interesting fields.
func (t *Task) Snapshot() TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskSnapshot{
		ID:         t.ID,
		UserID:     t.UserID,
		Symbol:     t.Symbol,
		Mode:       t.Mode,
		State:      t.state,
		EntryPrice: t.entryPrice,
		EntrySide:  t.entrySide,
		Quantity:   t.quantity,
		Profit:     t.totalProfit,
		OrderCount: len(t.orders),
	}
}

// TaskSnapshot is the read-only view served by the admin API.
type TaskSnapshot struct {
	ID         string        `json:"task_id"`
	UserID     string        `json:"user_id"`
	Symbol     string        `json:"symbol"`
	Mode       Mode          `json:"mode"`
	State      PositionState `json:"position_state"`
	EntryPrice float64       `json:"entry_price"`
	EntrySide  string        `json:"entry_side"`
	Quantity   float64       `json:"quantity"`
	Profit     float64       `json:"pnl"`
	OrderCount int           `json:"order_count"`
}

// The helpers below assume t.mu is held by the caller (the executor).

func (t *Task) addOrderLocked(o *OrderInfo) {
	t.orders[o.ClientID] = o
}

func (t *Task) linkExchangeIDLocked(clientID, exchangeID string) {
	if o, ok := t.orders[clientID]; ok {
		o.ExchangeOrderID = exchangeID
		t.byExchange[exchangeID] = clientID
	}
}

// resolveLocked maps either id form to the task's order.
func (t *Task) resolveLocked(clientID, exchangeID string) *OrderInfo {
	if clientID != "" {
		if o, ok := t.orders[clientID]; ok {
			return o
		}
	}
	if exchangeID != "" {
		if cid, ok := t.byExchange[exchangeID]; ok {
			return t.orders[cid]
		}
	}
	return nil
}

func (t *Task) openPositionLocked(side string, price, qty float64) error {
	if t.state != PositionNone {
		return fmt.Errorf("position already open: %s %s", t.Symbol, t.state)
	}
	if side == "LONG" {
		t.state = PositionLong
	} else {
		t.state = PositionShort
	}
	t.entrySide = side
	t.entryPrice = price
	t.quantity = qty
	now := time.Now()
	t.OpenedAt = &now
	return nil
}

// closePositionLocked realises the round-trip profit and clears the
// position.
func (t *Task) closePositionLocked(exitPrice float64) (float64, error) {
	if t.state == PositionNone {
		return 0, fmt.Errorf("no open position: %s", t.Symbol)
	}
	pnl, err := OrderProfit(t.entryPrice, exitPrice, t.quantity, t.entrySide, 0)
	if err != nil {
		return 0, err
	}
	t.realized = append(t.realized, pnl)
	t.totalProfit += pnl
	t.state = PositionNone
	now := time.Now()
	t.ClosedAt = &now
	return pnl, nil
}

func (t *Task) addGridProfitLocked(pnl float64) {
	t.realized = append(t.realized, pnl)
	t.totalProfit += pnl
}
