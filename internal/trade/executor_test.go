package trade

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quantflow/internal/events"
)

func collect(bus *events.Bus, pattern string) <-chan events.Event {
	ch := make(chan events.Event, 256)
	bus.Subscribe(pattern, func(_ context.Context, e events.Event) { ch <- e })
	return ch
}

func waitEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return events.Event{}
	}
}

func expectNoEvent(t *testing.T, ch <-chan events.Event, d time.Duration) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event: %s %v", e.Subject, e.Data)
	case <-time.After(d):
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting until %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// fakeExchange stands in for the data engine: it answers balance queries,
// acknowledges order submissions with exchange ids, and confirms
// cancellations (optionally held back for ordering assertions).
type fakeExchange struct {
	bus *events.Bus

	mu         sync.Mutex
	nextID     int64
	submitted  []events.Event
	cancels    []events.Event
	holdCancel atomic.Bool
}

func newFakeExchange(bus *events.Bus) *fakeExchange {
	f := &fakeExchange{bus: bus, nextID: 1000}

	bus.Subscribe(events.TradingGetAccountBalance, func(_ context.Context, e events.Event) {
		_ = bus.Publish(events.New(events.DEAccountBalance, events.Data{
			"user_id":           e.Data.Str("user_id"),
			"asset":             e.Data.Str("asset"),
			"available_balance": 10000.0,
			"balance":           10000.0,
		}))
	})

	bus.Subscribe(events.TradingOrderCreate, func(_ context.Context, e events.Event) {
		f.mu.Lock()
		f.nextID++
		id := f.nextID
		f.submitted = append(f.submitted, e)
		f.mu.Unlock()
		_ = bus.Publish(events.New(events.DEOrderSubmitted, events.Data{
			"user_id":         e.Data.Str("user_id"),
			"symbol":          e.Data.Str("symbol"),
			"order_id":        strconv.FormatInt(id, 10),
			"client_order_id": e.Data.Str("client_order_id"),
			"side":            e.Data.Str("side"),
			"type":            e.Data.Str("type"),
			"quantity":        e.Data.Float("quantity"),
			"price":           e.Data.Float("price"),
			"status":          "NEW",
			"retry_count":     0,
		}))
	})

	bus.Subscribe(events.TradingOrderCancel, func(_ context.Context, e events.Event) {
		f.mu.Lock()
		f.cancels = append(f.cancels, e)
		f.mu.Unlock()
		if f.holdCancel.Load() {
			return
		}
		f.confirmCancel(e)
	})
	return f
}

func (f *fakeExchange) confirmCancel(e events.Event) {
	_ = f.bus.Publish(events.New(events.DEOrderCancelled, events.Data{
		"user_id":         e.Data.Str("user_id"),
		"symbol":          e.Data.Str("symbol"),
		"order_id":        e.Data.Str("order_id"),
		"client_order_id": e.Data.Str("client_order_id"),
		"success":         true,
	}))
}

func (f *fakeExchange) fill(e events.Event, price float64) {
	_ = f.bus.Publish(events.New(events.DEOrderFilled, events.Data{
		"user_id":         e.Data.Str("user_id"),
		"symbol":          e.Data.Str("symbol"),
		"order_id":        "",
		"client_order_id": e.Data.Str("client_order_id"),
		"side":            e.Data.Str("side"),
		"price":           price,
		"quantity":        e.Data.Float("quantity"),
	}))
}

func (f *fakeExchange) submittedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeExchange) submittedAt(i int) events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted[i]
}

func (f *fakeExchange) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancels)
}

func (f *fakeExchange) pendingCancels() []events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.Event(nil), f.cancels...)
}

func setupExecutor(t *testing.T) (*events.Bus, *Executor, *fakeExchange) {
	t.Helper()
	bus := events.NewBus(nil, nil)
	exchange := newFakeExchange(bus)
	executor := NewExecutor(bus, nil, nil)
	executor.Start()

	_ = bus.Publish(events.New(events.STStrategyLoaded, events.Data{
		"user_id":     "u1",
		"strategy":    "ma_stop_st",
		"timeframe":   "15m",
		"leverage":    4,
		"margin_type": "USDC",
		"pair_count":  1,
	}))
	waitUntil(t, "capital funded", func() bool { return executor.IsFunded("u1") })
	return bus, executor, exchange
}

func openSignal(grid events.Data) events.Event {
	data := events.Data{
		"user_id":       "u1",
		"symbol":        "XRPUSDC",
		"action":        "OPEN",
		"side":          "BUY",
		"position_side": "LONG",
		"price":         1.0,
		"leverage":      4,
		"margin_type":   "USDC",
		"pair_count":    1,
	}
	if grid != nil {
		data["grid"] = grid
	}
	return events.New(events.STSignalGenerated, data)
}

func closeSignal() events.Event {
	return events.New(events.STSignalGenerated, events.Data{
		"user_id":       "u1",
		"symbol":        "XRPUSDC",
		"action":        "CLOSE",
		"side":          "SELL",
		"position_side": "LONG",
		"price":         1.05,
	})
}

// Scenario: no-grid round trip. Market entry, fill opens the position,
// opposite market order closes it, profit lands on the task.
func TestNoGridRoundTrip(t *testing.T) {
	bus, executor, exchange := setupExecutor(t)
	opened := collect(bus, events.TRPositionOpened)
	closed := collect(bus, events.TRPositionClosed)

	_ = bus.Publish(openSignal(nil))
	waitUntil(t, "entry order submitted", func() bool { return exchange.submittedCount() == 1 })

	entry := exchange.submittedAt(0)
	if entry.Data.Str("type") != "MARKET" || entry.Data.Str("side") != "BUY" {
		t.Fatalf("entry order must be a market buy: %v", entry.Data)
	}
	// 10000 × 0.95 margin, 4x leverage at price 1.0.
	if qty := entry.Data.Float("quantity"); qty != 38000 {
		t.Fatalf("entry quantity = %v, want 38000", qty)
	}

	// No position before the fill confirms.
	expectNoEvent(t, opened, 100*time.Millisecond)
	exchange.fill(entry, 1.0)

	e := waitEvent(t, opened)
	if e.Data.Str("side") != "LONG" || e.Data.Float("entry_price") != 1.0 {
		t.Fatalf("unexpected opened payload: %v", e.Data)
	}
	task := executor.Task("u1", "XRPUSDC")
	if task.State() != PositionLong {
		t.Fatalf("task state = %s, want LONG", task.State())
	}

	_ = bus.Publish(closeSignal())
	waitUntil(t, "close order submitted", func() bool { return exchange.submittedCount() == 2 })
	closeOrder := exchange.submittedAt(1)
	if closeOrder.Data.Str("side") != "SELL" || !closeOrder.Data.Bool("reduce_only") {
		t.Fatalf("close must be a reduce-only sell: %v", closeOrder.Data)
	}
	exchange.fill(closeOrder, 1.05)

	done := waitEvent(t, closed)
	wantPnL := (1.05-1.0)*38000 - (1.0*38000*DefaultFeeRate + 1.05*38000*DefaultFeeRate)
	if got := done.Data.Float("pnl"); !almost(got, wantPnL) {
		t.Fatalf("pnl = %v, want %v", got, wantPnL)
	}
	if task.State() != PositionNone {
		t.Fatalf("task state = %s, want NONE", task.State())
	}
	if !almost(task.TotalProfit(), wantPnL) {
		t.Fatalf("total profit = %v, want %v", task.TotalProfit(), wantPnL)
	}
}

// Duplicate open signals while an entry is pending must not double-submit.
func TestDuplicateOpenSignalIgnored(t *testing.T) {
	bus, _, exchange := setupExecutor(t)

	_ = bus.Publish(openSignal(nil))
	waitUntil(t, "entry order submitted", func() bool { return exchange.submittedCount() == 1 })
	_ = bus.Publish(openSignal(nil))
	time.Sleep(150 * time.Millisecond)
	if exchange.submittedCount() != 1 {
		t.Fatalf("second signal must be ignored, got %d orders", exchange.submittedCount())
	}
}

// Scenario: normal grid. All levels are posted up front; the position opens
// on the first grid fill.
func TestNormalGridOpensOnFirstFill(t *testing.T) {
	bus, executor, exchange := setupExecutor(t)
	opened := collect(bus, events.TRPositionOpened)
	gridCreated := collect(bus, events.TRGridCreated)

	_ = bus.Publish(openSignal(events.Data{
		"enabled":     true,
		"grid_type":   "normal",
		"ratio":       1.0,
		"grid_levels": 10,
		"upper_price": 1.05,
		"lower_price": 0.95,
	}))

	created := waitEvent(t, gridCreated)
	if created.Data.Int("order_count") != 10 {
		t.Fatalf("expected 10 grid orders, got %v", created.Data)
	}
	waitUntil(t, "grid orders submitted", func() bool { return exchange.submittedCount() == 10 })

	// Every grid order is a maker-only limit order.
	var firstBuy events.Event
	for i := 0; i < 10; i++ {
		o := exchange.submittedAt(i)
		if o.Data.Str("type") != "POST_ONLY" {
			t.Fatalf("grid orders must be POST_ONLY: %v", o.Data)
		}
		if firstBuy.Subject == "" && o.Data.Str("side") == "BUY" {
			firstBuy = o
		}
	}

	expectNoEvent(t, opened, 100*time.Millisecond)
	exchange.fill(firstBuy, firstBuy.Data.Float("price"))

	e := waitEvent(t, opened)
	if e.Data.Str("mode") != string(ModeNormalGrid) {
		t.Fatalf("opened event must carry the grid mode: %v", e.Data)
	}
	if executor.Task("u1", "XRPUSDC").State() != PositionLong {
		t.Fatalf("first buy fill must open a long position")
	}
}

// Scenario: abnormal grid. Sized entry first, grid portion only after
// st.grid.create, and the close cancels every surviving grid order before
// tr.position.closed is announced.
func TestAbnormalGridLifecycleAndCloseOrdering(t *testing.T) {
	bus, executor, exchange := setupExecutor(t)
	opened := collect(bus, events.TRPositionOpened)
	closed := collect(bus, events.TRPositionClosed)

	_ = bus.Publish(openSignal(events.Data{
		"enabled":     true,
		"grid_type":   "abnormal",
		"ratio":       0.5,
		"grid_levels": 10,
		"upper_price": 1.05,
		"lower_price": 0.95,
	}))
	waitUntil(t, "entry order submitted", func() bool { return exchange.submittedCount() == 1 })

	entry := exchange.submittedAt(0)
	// Half the symbol capital: 9500 × 0.5 × 4 / 1.0.
	if qty := entry.Data.Float("quantity"); qty != 19000 {
		t.Fatalf("abnormal entry quantity = %v, want 19000", qty)
	}
	exchange.fill(entry, 1.0)
	waitEvent(t, opened)

	// The strategy reacts to the opened position with the grid request.
	_ = bus.Publish(events.New(events.STGridCreate, events.Data{
		"user_id":     "u1",
		"symbol":      "XRPUSDC",
		"entry_price": 1.0,
		"side":        "LONG",
		"grid_type":   "abnormal",
		"grid_ratio":  0.5,
		"grid_levels": 10,
		"upper_price": 1.05,
		"lower_price": 0.95,
	}))
	waitUntil(t, "grid orders submitted", func() bool { return exchange.submittedCount() == 11 })

	// Hold cancellations back so the ordering is observable.
	exchange.holdCancel.Store(true)
	_ = bus.Publish(closeSignal())
	waitUntil(t, "close order submitted", func() bool { return exchange.submittedCount() == 12 })
	closeOrder := exchange.submittedAt(11)
	exchange.fill(closeOrder, 1.05)

	waitUntil(t, "cancellations requested", func() bool { return exchange.cancelCount() == 10 })
	// All grid orders are being cancelled; the close must wait for them.
	expectNoEvent(t, closed, 150*time.Millisecond)

	for _, c := range exchange.pendingCancels() {
		exchange.confirmCancel(c)
	}
	done := waitEvent(t, closed)
	if done.Data.Str("side") != "LONG" {
		t.Fatalf("closed event must carry the closed side: %v", done.Data)
	}
	if executor.Task("u1", "XRPUSDC").State() != PositionNone {
		t.Fatalf("task must be flat after close")
	}
}

// A grid fill pairs with its counterpart and books the pair profit.
func TestGridPairProfitAccrual(t *testing.T) {
	bus, executor, exchange := setupExecutor(t)
	opened := collect(bus, events.TRPositionOpened)

	_ = bus.Publish(openSignal(events.Data{
		"enabled":     true,
		"grid_type":   "normal",
		"ratio":       1.0,
		"grid_levels": 10,
		"upper_price": 1.05,
		"lower_price": 0.95,
	}))
	waitUntil(t, "grid orders submitted", func() bool { return exchange.submittedCount() == 10 })

	// Find the buy at 0.95.
	var buy095 events.Event
	for i := 0; i < 10; i++ {
		o := exchange.submittedAt(i)
		if o.Data.Str("side") == "BUY" && almost(o.Data.Float("price"), 0.95) {
			buy095 = o
		}
	}
	if buy095.Subject == "" {
		t.Fatalf("no buy at 0.95 was submitted")
	}

	exchange.fill(buy095, 0.95)
	waitEvent(t, opened)

	// Its replacement sell at 0.96 is submitted; filling it completes the
	// pair.
	waitUntil(t, "replacement submitted", func() bool { return exchange.submittedCount() == 11 })
	repl := exchange.submittedAt(10)
	if repl.Data.Str("side") != "SELL" || !almost(repl.Data.Float("price"), 0.96) {
		t.Fatalf("replacement must be a sell at 0.96: %v", repl.Data)
	}
	exchange.fill(repl, 0.96)

	task := executor.Task("u1", "XRPUSDC")
	qty := buy095.Data.Float("quantity")
	wantProfit := (0.96-0.95)*qty - (0.95*qty*DefaultFeeRate + 0.96*qty*DefaultFeeRate)
	waitUntil(t, "pair profit booked", func() bool { return almost(task.TotalProfit(), wantProfit) })
}
