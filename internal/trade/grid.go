package trade

import (
	"fmt"
	"math"

	"github.com/google/uuid"
)

// GridPlan is one order the executor should place.
type GridPlan struct {
	Side     string
	Price    float64
	Quantity float64
	Level    int
}

// GridOrder is one live grid order tracked by the book.
type GridOrder struct {
	ClientID string
	Side     string
	Price    float64
	Quantity float64
	PairID   string
}

// GridPair links a buy and the sell one interval above it. A completed pair
// (both sides filled) is a unit of profit.
type GridPair struct {
	ID         string
	BuyPrice   float64
	SellPrice  float64
	Quantity   float64
	BuyFilled  bool
	SellFilled bool
	Completed  bool
}

// PriceInterval is the grid step: (upper − lower) / levels.
func PriceInterval(lower, upper float64, levels int) (float64, error) {
	if upper <= lower {
		return 0, fmt.Errorf("upper price %v must exceed lower price %v", upper, lower)
	}
	if levels <= 0 {
		return 0, fmt.Errorf("grid levels must be positive, got %d", levels)
	}
	return (upper - lower) / float64(levels), nil
}

// GridPrices returns lower, lower+interval, …, upper.
func GridPrices(lower, upper float64, levels int) ([]float64, error) {
	interval, err := PriceInterval(lower, upper, levels)
	if err != nil {
		return nil, err
	}
	prices := make([]float64, 0, levels+1)
	for i := 0; i <= levels; i++ {
		prices = append(prices, lower+float64(i)*interval)
	}
	return prices, nil
}

// gridBook owns the band, the live orders and the pair ledger for one task.
// The executor submits and cancels orders; the book only plans and accounts.
type gridBook struct {
	lower    float64
	upper    float64
	levels   int
	interval float64
	qty      float64
	moveUp   bool
	moveDown bool
	feeRate  float64

	orders map[string]*GridOrder
	pairs  map[string]*GridPair
}

func newGridBook(lower, upper float64, levels int, qtyPerOrder float64, moveUp, moveDown bool) (*gridBook, error) {
	interval, err := PriceInterval(lower, upper, levels)
	if err != nil {
		return nil, err
	}
	if qtyPerOrder <= 0 {
		return nil, fmt.Errorf("grid quantity must be positive, got %v", qtyPerOrder)
	}
	return &gridBook{
		lower:    lower,
		upper:    upper,
		levels:   levels,
		interval: interval,
		qty:      qtyPerOrder,
		moveUp:   moveUp,
		moveDown: moveDown,
		feeRate:  DefaultFeeRate,
		orders:   make(map[string]*GridOrder),
		pairs:    make(map[string]*GridPair),
	}, nil
}

// plan lays orders across the band around the entry price: buys below,
// sells above. The level holding the entry itself stays empty.
func (g *gridBook) plan(entry float64) []GridPlan {
	var plans []GridPlan
	for i := 0; i <= g.levels; i++ {
		price := g.lower + float64(i)*g.interval
		switch {
		case price < entry-g.interval/2:
			plans = append(plans, GridPlan{Side: "BUY", Price: price, Quantity: g.qty, Level: i})
		case price > entry+g.interval/2:
			plans = append(plans, GridPlan{Side: "SELL", Price: price, Quantity: g.qty, Level: i})
		}
	}
	return plans
}

// register records a placed order and pairs each buy with the sell exactly
// one interval above it when both sides are live.
func (g *gridBook) register(clientID, side string, price, qty float64) {
	order := &GridOrder{ClientID: clientID, Side: side, Price: price, Quantity: qty}
	g.orders[clientID] = order

	var counterpartPrice float64
	if side == "BUY" {
		counterpartPrice = price + g.interval
	} else {
		counterpartPrice = price - g.interval
	}
	for _, other := range g.orders {
		if other.Side == side || other.PairID != "" {
			continue
		}
		if math.Abs(other.Price-counterpartPrice) < g.interval/2 {
			pair := &GridPair{ID: uuid.NewString(), Quantity: qty}
			if side == "BUY" {
				pair.BuyPrice, pair.SellPrice = price, other.Price
			} else {
				pair.BuyPrice, pair.SellPrice = other.Price, price
			}
			order.PairID = pair.ID
			other.PairID = pair.ID
			g.pairs[pair.ID] = pair
			break
		}
	}
}

// fillOutcome reports what a grid fill produced.
type fillOutcome struct {
	Order       GridOrder
	PairProfit  float64
	PairDone    bool
	PairID      string
	Replacement *GridPlan
}

// onFill settles a filled grid order: updates its pair, realises the pair
// profit when both legs are done, and schedules the replacement order one
// interval away on the opposite side (staying inside the band).
func (g *gridBook) onFill(clientID string) (fillOutcome, bool) {
	order, ok := g.orders[clientID]
	if !ok {
		return fillOutcome{}, false
	}
	delete(g.orders, clientID)
	out := fillOutcome{Order: *order}

	// Pair bookkeeping. An unpaired fill opens a fresh pair completed by its
	// future replacement.
	var pair *GridPair
	if order.PairID != "" {
		pair = g.pairs[order.PairID]
	}
	if pair == nil {
		pair = &GridPair{ID: uuid.NewString(), Quantity: order.Quantity}
		if order.Side == "BUY" {
			pair.BuyPrice = order.Price
			pair.SellPrice = order.Price + g.interval
		} else {
			pair.SellPrice = order.Price
			pair.BuyPrice = order.Price - g.interval
		}
		g.pairs[pair.ID] = pair
	}
	if order.Side == "BUY" {
		pair.BuyFilled = true
	} else {
		pair.SellFilled = true
	}
	out.PairID = pair.ID
	if pair.BuyFilled && pair.SellFilled && !pair.Completed {
		pair.Completed = true
		profit, err := GridPairProfit(pair.BuyPrice, pair.SellPrice, pair.Quantity, g.feeRate)
		if err == nil {
			out.PairProfit = profit
			out.PairDone = true
		}
	}

	// Replacement: the opposite side one interval away.
	var replacement GridPlan
	if order.Side == "BUY" {
		replacement = GridPlan{Side: "SELL", Price: order.Price + g.interval, Quantity: order.Quantity}
	} else {
		replacement = GridPlan{Side: "BUY", Price: order.Price - g.interval, Quantity: order.Quantity}
	}
	if replacement.Price >= g.lower-g.interval/2 && replacement.Price <= g.upper+g.interval/2 {
		out.Replacement = &replacement
	}
	return out, true
}

// cancelled forgets an order the exchange confirmed as gone.
func (g *gridBook) cancelled(clientID string) {
	delete(g.orders, clientID)
}

// activeOrders snapshots the live client ids.
func (g *gridBook) activeOrders() []string {
	ids := make([]string, 0, len(g.orders))
	for id := range g.orders {
		ids = append(ids, id)
	}
	return ids
}

// shift moves the band by whole intervals: +1 for a move up, −1 for a move
// down. Live orders must be cancelled by the caller first.
func (g *gridBook) shift(direction int) {
	delta := float64(direction) * g.interval
	g.lower += delta
	g.upper += delta
}

// needsMove reports whether the last price escaped the band in a direction
// the configuration allows following.
func (g *gridBook) needsMove(lastPrice float64) int {
	if g.moveUp && lastPrice > g.upper {
		return 1
	}
	if g.moveDown && lastPrice < g.lower {
		return -1
	}
	return 0
}
