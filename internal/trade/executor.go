// Package trade executes strategy intents: it sizes orders, selects the
// execution mode (plain, normal grid, abnormal grid), tracks per-symbol
// trading tasks, maintains grids and accounts realised profit.
package trade

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quantflow/internal/events"
	"quantflow/pkg/db"
)

type strategyInfo struct {
	pairCount  int
	leverage   int
	marginType string
}

// Executor is the trade manager. Every task mutation happens under that
// task's lock (single writer); bus events are published only after the lock
// is released so a handler never suspends while holding it.
type Executor struct {
	bus       *events.Bus
	log       *zap.Logger
	store     *db.Store
	precision *PrecisionHandler

	mu       sync.RWMutex
	capital  map[string]*CapitalManager
	strategy map[string]strategyInfo
	tasks    map[string]*Task // key: user_symbol
}

func NewExecutor(bus *events.Bus, store *db.Store, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		bus:       bus,
		log:       log.Named("tr"),
		store:     store,
		precision: NewPrecisionHandler(),
		capital:   make(map[string]*CapitalManager),
		strategy:  make(map[string]strategyInfo),
		tasks:     make(map[string]*Task),
	}
}

// Precision exposes the handler so instrument filters can be configured at
// composition time.
func (x *Executor) Precision() *PrecisionHandler { return x.precision }

// Start subscribes the executor to its input topics.
func (x *Executor) Start() {
	x.bus.SubscribeNamed(events.STStrategyLoaded, "tr.onStrategyLoaded", x.onStrategyLoaded)
	x.bus.SubscribeNamed(events.DEAccountBalance, "tr.onBalance", x.onBalance)
	x.bus.SubscribeNamed(events.STSignalGenerated, "tr.onSignal", x.onSignal)
	x.bus.SubscribeNamed(events.STGridCreate, "tr.onGridCreate", x.onGridCreate)
	x.bus.SubscribeNamed(events.DEOrderSubmitted, "tr.onOrderSubmitted", x.onOrderSubmitted)
	x.bus.SubscribeNamed(events.DEOrderFailed, "tr.onOrderFailed", x.onOrderFailed)
	x.bus.SubscribeNamed(events.DEOrderFilled, "tr.onOrderFilled", x.onOrderFilled)
	x.bus.SubscribeNamed(events.DEOrderCancelled, "tr.onOrderCancelled", x.onOrderCancelled)
	x.bus.SubscribeNamed(events.DEKlineUpdate, "tr.onKlineUpdate", x.onKlineUpdate)

	_ = x.bus.Publish(events.NewFrom(events.TRManagerStarted, events.Data{}, "tr"))
}

// Shutdown announces the executor is going away.
func (x *Executor) Shutdown() {
	_ = x.bus.Publish(events.NewFrom(events.TRManagerShutdown, events.Data{}, "tr"))
}

func taskKey(userID, symbol string) string { return userID + "_" + symbol }

func (x *Executor) onStrategyLoaded(ctx context.Context, ev events.Event) {
	userID := ev.Data.Str("user_id")
	leverage := ev.Data.Int("leverage")
	marginType := ev.Data.Str("margin_type")
	pairCount := ev.Data.Int("pair_count")

	x.mu.Lock()
	x.capital[userID] = NewCapitalManager(userID, leverage, marginType)
	x.strategy[userID] = strategyInfo{pairCount: pairCount, leverage: leverage, marginType: marginType}
	x.mu.Unlock()

	x.log.Info("capital manager ready",
		zap.String("user", userID), zap.Int("leverage", leverage),
		zap.String("margin_type", marginType), zap.Int("pairs", pairCount))
	_ = x.bus.Publish(events.NewFrom(events.TradingGetAccountBalance, events.Data{
		"user_id": userID,
		"asset":   marginType,
	}, "tr"))
}

func (x *Executor) onBalance(ctx context.Context, ev events.Event) {
	userID := ev.Data.Str("user_id")
	x.mu.RLock()
	cm := x.capital[userID]
	x.mu.RUnlock()
	if cm == nil {
		return
	}
	cm.UpdateBalance(ev.Data.Float("available_balance"), ev.Data.Float("balance"))
	x.log.Info("balance updated",
		zap.String("user", userID),
		zap.Float64("available", ev.Data.Float("available_balance")))
}

// modeFromGrid derives the execution mode from the signal's grid section.
func modeFromGrid(grid events.Data) (Mode, float64) {
	if grid == nil || !grid.Bool("enabled") {
		return ModeNoGrid, 1
	}
	if grid.Str("grid_type") == "abnormal" {
		ratio := grid.Float("ratio")
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		return ModeAbnormalGrid, ratio
	}
	return ModeNormalGrid, 1
}

func (x *Executor) onSignal(ctx context.Context, ev events.Event) {
	userID := ev.Data.Str("user_id")
	symbol := ev.Data.Str("symbol")
	action := ev.Data.Str("action")

	switch action {
	case "OPEN":
		x.handleOpen(ev)
	case "CLOSE":
		x.handleClose(ev)
	default:
		x.log.Warn("signal with unknown action",
			zap.String("user", userID), zap.String("symbol", symbol), zap.String("action", action))
	}
}

func (x *Executor) handleOpen(ev events.Event) {
	userID := ev.Data.Str("user_id")
	symbol := ev.Data.Str("symbol")
	orderSide := ev.Data.Str("side")          // BUY / SELL
	positionSide := ev.Data.Str("position_side") // LONG / SHORT
	price := ev.Data.Float("price")
	grid := ev.Data.Map("grid")

	if price <= 0 {
		x.log.Error("open signal without price",
			zap.String("user", userID), zap.String("symbol", symbol))
		return
	}

	cm, info := x.userContext(userID, ev)
	if cm == nil {
		x.log.Error("no capital manager for user", zap.String("user", userID))
		return
	}
	margin, err := cm.MarginPerSymbol(info.pairCount)
	if err != nil {
		x.log.Error("margin allocation failed", zap.String("user", userID), zap.Error(err))
		return
	}

	mode, ratio := modeFromGrid(grid)
	task, created := x.getOrCreateTask(userID, symbol, mode, ratio)
	if created {
		_ = x.bus.Publish(events.NewFrom(events.TRTaskCreated, events.Data{
			"user_id": userID,
			"symbol":  symbol,
			"task_id": task.ID,
			"mode":    string(mode),
		}, "tr"))
		x.persistTask(task)
	}

	task.mu.Lock()
	if task.state != PositionNone || task.pendingOpen != "" || task.closing || task.grid != nil {
		task.mu.Unlock()
		x.log.Warn("open signal ignored, task busy",
			zap.String("user", userID), zap.String("symbol", symbol),
			zap.String("state", string(task.State())))
		return
	}

	var out []events.Event
	switch mode {
	case ModeNoGrid, ModeAbnormalGrid:
		useRatio := 1.0
		if mode == ModeAbnormalGrid {
			useRatio = ratio
		}
		qty, err := cm.PositionSize(margin, price, useRatio)
		if err != nil {
			task.mu.Unlock()
			x.log.Error("position sizing failed", zap.String("symbol", symbol), zap.Error(err))
			return
		}
		qty = x.precision.RoundQuantity(symbol, qty)
		if err := x.precision.Validate(symbol, price, qty); err != nil {
			task.mu.Unlock()
			x.log.Warn("entry order rejected before submission",
				zap.String("symbol", symbol), zap.Error(err))
			return
		}
		order, cmd := x.buildOrderLocked(task, orderSide, "MARKET", 0, qty, false, "")
		task.pendingOpen = order.ClientID
		out = append(out, cmd)
		x.log.Info("entry order prepared",
			zap.String("user", userID), zap.String("symbol", symbol),
			zap.String("mode", string(mode)), zap.String("side", positionSide),
			zap.Float64("quantity", qty))

	case ModeNormalGrid:
		gridEvents, err := x.deployGridLocked(task, cm, margin, price, grid, 1.0)
		if err != nil {
			task.mu.Unlock()
			x.log.Error("grid deployment failed", zap.String("symbol", symbol), zap.Error(err))
			return
		}
		out = append(out, gridEvents...)
	}
	task.mu.Unlock()

	for _, e := range out {
		_ = x.bus.Publish(e)
	}
	x.persistOrders(task)
}

func (x *Executor) handleClose(ev events.Event) {
	userID := ev.Data.Str("user_id")
	symbol := ev.Data.Str("symbol")
	orderSide := ev.Data.Str("side")

	task := x.task(userID, symbol)
	if task == nil {
		x.log.Warn("close signal for unknown task",
			zap.String("user", userID), zap.String("symbol", symbol))
		return
	}

	task.mu.Lock()
	if task.state == PositionNone || task.closing || task.pendingClose != "" {
		task.mu.Unlock()
		x.log.Warn("close signal ignored",
			zap.String("user", userID), zap.String("symbol", symbol))
		return
	}
	qty := task.quantity
	order, cmd := x.buildOrderLocked(task, orderSide, "MARKET", 0, qty, true, "")
	task.pendingClose = order.ClientID
	task.mu.Unlock()

	x.log.Info("close order prepared",
		zap.String("user", userID), zap.String("symbol", symbol), zap.Float64("quantity", qty))
	_ = x.bus.Publish(cmd)
	x.persistOrders(task)
}

// deployGridLocked builds the grid book and the submission events for every
// plannable level. Caller holds task.mu.
func (x *Executor) deployGridLocked(task *Task, cm *CapitalManager, margin, entryPrice float64, grid events.Data, capitalRatio float64) ([]events.Event, error) {
	levels := grid.Int("grid_levels")
	if levels <= 0 {
		levels = 10
	}
	lower := grid.Float("lower_price")
	upper := grid.Float("upper_price")

	qtyPer, err := cm.GridOrderSize(margin, entryPrice, levels, capitalRatio)
	if err != nil {
		return nil, err
	}
	qtyPer = x.precision.RoundQuantity(task.Symbol, qtyPer)

	book, err := newGridBook(lower, upper, levels, qtyPer, grid.Bool("move_up"), grid.Bool("move_down"))
	if err != nil {
		return nil, err
	}
	task.grid = book

	var out []events.Event
	placed := 0
	for _, plan := range book.plan(entryPrice) {
		price := x.precision.RoundPrice(task.Symbol, plan.Price)
		if err := x.precision.Validate(task.Symbol, price, plan.Quantity); err != nil {
			x.log.Warn("grid level skipped",
				zap.String("symbol", task.Symbol), zap.Float64("price", price), zap.Error(err))
			continue
		}
		order, cmd := x.buildOrderLocked(task, plan.Side, "POST_ONLY", price, plan.Quantity, false, "")
		order.IsGridOrder = true
		book.register(order.ClientID, plan.Side, price, plan.Quantity)
		if g, ok := book.orders[order.ClientID]; ok {
			order.GridPairID = g.PairID
		}
		out = append(out, cmd)
		placed++
	}

	out = append(out, events.NewFrom(events.TRGridCreated, events.Data{
		"user_id":     task.UserID,
		"symbol":      task.Symbol,
		"task_id":     task.ID,
		"order_count": placed,
		"lower_price": book.lower,
		"upper_price": book.upper,
		"grid_levels": levels,
	}, "tr"))
	x.log.Info("grid deployed",
		zap.String("user", task.UserID), zap.String("symbol", task.Symbol),
		zap.Int("orders", placed), zap.Float64("lower", book.lower), zap.Float64("upper", book.upper))
	return out, nil
}

// onGridCreate places the grid portion of an abnormal-grid task once the
// sized entry is on. Normal-grid tasks already hold their grid and ignore
// the event.
func (x *Executor) onGridCreate(ctx context.Context, ev events.Event) {
	userID := ev.Data.Str("user_id")
	symbol := ev.Data.Str("symbol")
	entryPrice := ev.Data.Float("entry_price")

	task := x.task(userID, symbol)
	if task == nil {
		x.log.Warn("grid create for unknown task",
			zap.String("user", userID), zap.String("symbol", symbol))
		return
	}
	cm, info := x.userContext(userID, ev)
	if cm == nil {
		return
	}

	task.mu.Lock()
	if task.Mode != ModeAbnormalGrid || task.state == PositionNone || task.grid != nil {
		task.mu.Unlock()
		return
	}
	margin, err := cm.MarginPerSymbol(info.pairCount)
	if err != nil {
		task.mu.Unlock()
		x.log.Error("margin allocation failed", zap.String("user", userID), zap.Error(err))
		return
	}
	// The entry consumed ratio of the symbol's capital; the grid gets the
	// remainder.
	gridRatio := 1.0 - task.gridRatio
	gridCfg := events.Data{
		"grid_levels": ev.Data.Int("grid_levels"),
		"lower_price": ev.Data.Float("lower_price"),
		"upper_price": ev.Data.Float("upper_price"),
		"move_up":     ev.Data.Bool("move_up"),
		"move_down":   ev.Data.Bool("move_down"),
	}
	if entryPrice <= 0 {
		entryPrice = task.entryPrice
	}
	out, err := x.deployGridLocked(task, cm, margin, entryPrice, gridCfg, gridRatio)
	task.mu.Unlock()
	if err != nil {
		x.log.Error("abnormal grid deployment failed",
			zap.String("symbol", symbol), zap.Error(err))
		return
	}

	for _, e := range out {
		_ = x.bus.Publish(e)
	}
	x.persistOrders(task)
}

func (x *Executor) onOrderSubmitted(ctx context.Context, ev events.Event) {
	task := x.task(ev.Data.Str("user_id"), ev.Data.Str("symbol"))
	if task == nil {
		return
	}
	task.mu.Lock()
	task.linkExchangeIDLocked(ev.Data.Str("client_order_id"), ev.Data.Str("order_id"))
	if o := task.resolveLocked(ev.Data.Str("client_order_id"), ""); o != nil {
		o.Status = "SUBMITTED"
	}
	task.mu.Unlock()
	x.persistOrders(task)
}

func (x *Executor) onOrderFailed(ctx context.Context, ev events.Event) {
	task := x.task(ev.Data.Str("user_id"), ev.Data.Str("symbol"))
	if task == nil {
		return
	}
	clientID := ev.Data.Str("client_order_id")

	task.mu.Lock()
	if o := task.resolveLocked(clientID, ""); o != nil {
		o.Status = "FAILED"
	}
	if task.pendingOpen == clientID {
		task.pendingOpen = ""
	}
	if task.pendingClose == clientID {
		task.pendingClose = ""
	}
	if task.grid != nil {
		task.grid.cancelled(clientID)
	}
	task.mu.Unlock()

	x.log.Error("order failed",
		zap.String("user", ev.Data.Str("user_id")), zap.String("symbol", ev.Data.Str("symbol")),
		zap.String("error", ev.Data.Str("error")), zap.Int("retry_count", ev.Data.Int("retry_count")))
	x.persistOrders(task)
}

func (x *Executor) onOrderFilled(ctx context.Context, ev events.Event) {
	userID := ev.Data.Str("user_id")
	symbol := ev.Data.Str("symbol")
	task := x.task(userID, symbol)
	if task == nil {
		return
	}
	fillPrice := ev.Data.Float("price")
	fillQty := ev.Data.Float("quantity")

	task.mu.Lock()
	order := task.resolveLocked(ev.Data.Str("client_order_id"), ev.Data.Str("order_id"))
	if order == nil {
		task.mu.Unlock()
		return
	}
	order.Status = "FILLED"
	if fillQty > 0 && fillQty <= order.Quantity {
		order.FilledQuantity = fillQty
	} else {
		order.FilledQuantity = order.Quantity
	}
	now := time.Now()
	order.FilledAt = &now

	var out []events.Event
	switch {
	case order.ClientID == task.pendingOpen:
		out = x.entryFilledLocked(task, order, fillPrice)

	case order.ClientID == task.pendingClose:
		out = x.closeFilledLocked(task, order, fillPrice)

	case order.IsGridOrder:
		out = x.gridFilledLocked(task, order, fillPrice)
	}
	task.mu.Unlock()

	for _, e := range out {
		_ = x.bus.Publish(e)
	}
	x.persistTask(task)
	x.persistOrders(task)
}

// entryFilledLocked confirms the sized entry: the position opens here and
// nowhere else for NO_GRID and ABNORMAL_GRID tasks.
func (x *Executor) entryFilledLocked(task *Task, order *OrderInfo, fillPrice float64) []events.Event {
	task.pendingOpen = ""
	side := "LONG"
	if order.Side == "SELL" {
		side = "SHORT"
	}
	if fillPrice <= 0 {
		fillPrice = order.Price
	}
	if err := task.openPositionLocked(side, fillPrice, order.FilledQuantity); err != nil {
		x.log.Error("open after fill failed", zap.String("symbol", task.Symbol), zap.Error(err))
		return nil
	}
	x.log.Info("position opened",
		zap.String("user", task.UserID), zap.String("symbol", task.Symbol),
		zap.String("side", side), zap.Float64("entry", fillPrice),
		zap.Float64("quantity", order.FilledQuantity))
	return []events.Event{events.NewFrom(events.TRPositionOpened, events.Data{
		"user_id":     task.UserID,
		"symbol":      task.Symbol,
		"side":        side,
		"entry_price": fillPrice,
		"quantity":    order.FilledQuantity,
		"mode":        string(task.Mode),
	}, "tr")}
}

// closeFilledLocked starts the close choreography: the position's exit is
// known, but tr.position.closed waits until every surviving grid order has
// confirmed cancellation.
func (x *Executor) closeFilledLocked(task *Task, order *OrderInfo, fillPrice float64) []events.Event {
	task.pendingClose = ""
	task.closing = true
	if fillPrice <= 0 {
		fillPrice = order.Price
	}
	task.closeExitPrice = fillPrice

	var out []events.Event
	if task.grid != nil {
		for _, clientID := range task.grid.activeOrders() {
			o := task.orders[clientID]
			if o == nil || o.ExchangeOrderID == "" {
				task.grid.cancelled(clientID)
				continue
			}
			task.pendingCancels[clientID] = true
			out = append(out, events.NewFrom(events.TradingOrderCancel, events.Data{
				"user_id":         task.UserID,
				"symbol":          task.Symbol,
				"order_id":        o.ExchangeOrderID,
				"client_order_id": clientID,
			}, "tr"))
		}
	}
	if len(task.pendingCancels) == 0 {
		out = append(out, x.finalizeCloseLocked(task)...)
	} else {
		x.log.Info("close filled, awaiting grid cancellations",
			zap.String("symbol", task.Symbol), zap.Int("pending", len(task.pendingCancels)))
	}
	return out
}

// finalizeCloseLocked publishes tr.position.closed once no orders survive.
func (x *Executor) finalizeCloseLocked(task *Task) []events.Event {
	side := task.entrySide
	pnl, err := task.closePositionLocked(task.closeExitPrice)
	if err != nil {
		x.log.Error("close bookkeeping failed", zap.String("symbol", task.Symbol), zap.Error(err))
		return nil
	}
	task.closing = false
	x.log.Info("position closed",
		zap.String("user", task.UserID), zap.String("symbol", task.Symbol),
		zap.Float64("exit", task.closeExitPrice), zap.Float64("pnl", pnl))
	return []events.Event{
		events.NewFrom(events.TRPositionClosed, events.Data{
			"user_id":    task.UserID,
			"symbol":     task.Symbol,
			"side":       side,
			"exit_price": task.closeExitPrice,
			"pnl":        pnl,
		}, "tr"),
		events.NewFrom(events.TRTaskCompleted, events.Data{
			"user_id": task.UserID,
			"symbol":  task.Symbol,
			"task_id": task.ID,
			"pnl":     task.totalProfit,
		}, "tr"),
	}
}

// gridFilledLocked settles one grid fill: possibly the first fill that opens
// a normal-grid position, possibly a completed pair, always a replacement
// order when the band allows one.
func (x *Executor) gridFilledLocked(task *Task, order *OrderInfo, fillPrice float64) []events.Event {
	if task.grid == nil {
		return nil
	}
	var out []events.Event

	if task.state == PositionNone && !task.closing {
		side := "LONG"
		if order.Side == "SELL" {
			side = "SHORT"
		}
		if fillPrice <= 0 {
			fillPrice = order.Price
		}
		if err := task.openPositionLocked(side, fillPrice, order.FilledQuantity); err == nil {
			x.log.Info("position opened by first grid fill",
				zap.String("symbol", task.Symbol), zap.String("side", side))
			out = append(out, events.NewFrom(events.TRPositionOpened, events.Data{
				"user_id":     task.UserID,
				"symbol":      task.Symbol,
				"side":        side,
				"entry_price": fillPrice,
				"quantity":    order.FilledQuantity,
				"mode":        string(task.Mode),
			}, "tr"))
		}
	}

	outcome, ok := task.grid.onFill(order.ClientID)
	if !ok {
		return out
	}
	if outcome.PairDone {
		task.addGridProfitLocked(outcome.PairProfit)
		x.log.Info("grid pair completed",
			zap.String("symbol", task.Symbol), zap.String("pair", outcome.PairID),
			zap.Float64("profit", outcome.PairProfit))
	}
	if outcome.Replacement != nil && !task.closing {
		plan := *outcome.Replacement
		price := x.precision.RoundPrice(task.Symbol, plan.Price)
		if err := x.precision.Validate(task.Symbol, price, plan.Quantity); err == nil {
			replacement, cmd := x.buildOrderLocked(task, plan.Side, "POST_ONLY", price, plan.Quantity, false, "")
			replacement.IsGridOrder = true
			task.grid.register(replacement.ClientID, plan.Side, price, plan.Quantity)
			// The replacement is the other leg of the pair the fill opened.
			if g, ok := task.grid.orders[replacement.ClientID]; ok {
				if g.PairID == "" {
					g.PairID = outcome.PairID
				}
				replacement.GridPairID = g.PairID
			}
			out = append(out, cmd)
		}
	}
	return out
}

func (x *Executor) onOrderCancelled(ctx context.Context, ev events.Event) {
	task := x.task(ev.Data.Str("user_id"), ev.Data.Str("symbol"))
	if task == nil {
		return
	}
	clientID := ev.Data.Str("client_order_id")
	exchangeID := ev.Data.Str("order_id")

	task.mu.Lock()
	order := task.resolveLocked(clientID, exchangeID)
	if order != nil {
		order.Status = "CANCELLED"
		clientID = order.ClientID
	}
	if task.grid != nil && clientID != "" {
		task.grid.cancelled(clientID)
	}

	var out []events.Event
	if task.closing && clientID != "" {
		delete(task.pendingCancels, clientID)
		if len(task.pendingCancels) == 0 {
			out = x.finalizeCloseLocked(task)
		}
	}
	task.mu.Unlock()

	for _, e := range out {
		_ = x.bus.Publish(e)
	}
	x.persistTask(task)
	x.persistOrders(task)
}

// onKlineUpdate watches the last price for grid band escapes and moves the
// band one interval in the escape direction when configured to follow.
func (x *Executor) onKlineUpdate(ctx context.Context, ev events.Event) {
	task := x.task(ev.Data.Str("user_id"), ev.Data.Str("symbol"))
	if task == nil {
		return
	}
	lastPrice := lastClose(ev.Data)
	if lastPrice <= 0 {
		return
	}

	task.mu.Lock()
	if task.grid == nil || task.closing {
		task.mu.Unlock()
		return
	}
	dir := task.grid.needsMove(lastPrice)
	if dir == 0 {
		task.mu.Unlock()
		return
	}

	var out []events.Event
	// Cancel the outstanding band before shifting it.
	for _, clientID := range task.grid.activeOrders() {
		o := task.orders[clientID]
		task.grid.cancelled(clientID)
		if o == nil || o.ExchangeOrderID == "" {
			continue
		}
		out = append(out, events.NewFrom(events.TradingOrderCancel, events.Data{
			"user_id":         task.UserID,
			"symbol":          task.Symbol,
			"order_id":        o.ExchangeOrderID,
			"client_order_id": clientID,
		}, "tr"))
	}
	task.grid.shift(dir)

	placed := 0
	for _, plan := range task.grid.plan(lastPrice) {
		price := x.precision.RoundPrice(task.Symbol, plan.Price)
		if err := x.precision.Validate(task.Symbol, price, plan.Quantity); err != nil {
			continue
		}
		order, cmd := x.buildOrderLocked(task, plan.Side, "POST_ONLY", price, plan.Quantity, false, "")
		order.IsGridOrder = true
		task.grid.register(order.ClientID, plan.Side, price, plan.Quantity)
		if g, ok := task.grid.orders[order.ClientID]; ok {
			order.GridPairID = g.PairID
		}
		out = append(out, cmd)
		placed++
	}
	lower, upper := task.grid.lower, task.grid.upper
	task.mu.Unlock()

	direction := "up"
	if dir < 0 {
		direction = "down"
	}
	x.log.Info("grid moved",
		zap.String("symbol", task.Symbol), zap.String("direction", direction),
		zap.Float64("lower", lower), zap.Float64("upper", upper), zap.Int("orders", placed))
	out = append(out, events.NewFrom(events.TRGridMoved, events.Data{
		"user_id":     task.UserID,
		"symbol":      task.Symbol,
		"direction":   direction,
		"lower_price": lower,
		"upper_price": upper,
	}, "tr"))

	for _, e := range out {
		_ = x.bus.Publish(e)
	}
	x.persistOrders(task)
}

// buildOrderLocked records the order on the task and returns the submission
// command. Caller holds task.mu and publishes after unlocking.
func (x *Executor) buildOrderLocked(task *Task, side, orderType string, price, qty float64, reduceOnly bool, pairID string) (*OrderInfo, events.Event) {
	order := &OrderInfo{
		ClientID:   uuid.NewString(),
		Symbol:     task.Symbol,
		Side:       side,
		Type:       orderType,
		Price:      price,
		Quantity:   qty,
		Status:     "NEW",
		GridPairID: pairID,
		CreatedAt:  time.Now(),
	}
	task.addOrderLocked(order)

	cmd := events.NewFrom(events.TradingOrderCreate, events.Data{
		"user_id":         task.UserID,
		"symbol":          task.Symbol,
		"side":            side,
		"type":            orderType,
		"price":           price,
		"quantity":        qty,
		"reduce_only":     reduceOnly,
		"client_order_id": order.ClientID,
	}, "tr")
	return order, cmd
}

func (x *Executor) getOrCreateTask(userID, symbol string, mode Mode, ratio float64) (*Task, bool) {
	key := taskKey(userID, symbol)
	x.mu.Lock()
	defer x.mu.Unlock()
	if t, ok := x.tasks[key]; ok {
		return t, false
	}
	t := newTask(userID, symbol, mode, ratio)
	x.tasks[key] = t
	x.log.Info("trading task created",
		zap.String("user", userID), zap.String("symbol", symbol), zap.String("mode", string(mode)))
	return t, true
}

func (x *Executor) task(userID, symbol string) *Task {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.tasks[taskKey(userID, symbol)]
}

// IsFunded reports whether the user's capital manager holds a balance.
func (x *Executor) IsFunded(userID string) bool {
	x.mu.RLock()
	cm := x.capital[userID]
	x.mu.RUnlock()
	if cm == nil {
		return false
	}
	_, err := cm.UsableBalance()
	return err == nil
}

// Task returns the live task, if any (api surface and tests).
func (x *Executor) Task(userID, symbol string) *Task {
	return x.task(userID, symbol)
}

// Snapshots lists every task for the admin API.
func (x *Executor) Snapshots() []TaskSnapshot {
	x.mu.RLock()
	tasks := make([]*Task, 0, len(x.tasks))
	for _, t := range x.tasks {
		tasks = append(tasks, t)
	}
	x.mu.RUnlock()

	out := make([]TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Snapshot())
	}
	return out
}

func (x *Executor) userContext(userID string, ev events.Event) (*CapitalManager, strategyInfo) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	cm := x.capital[userID]
	info := x.strategy[userID]
	if info.pairCount == 0 {
		info.pairCount = ev.Data.Int("pair_count")
		if info.pairCount == 0 {
			info.pairCount = 1
		}
	}
	return cm, info
}

// Persistence is best-effort: failures are logged and trading continues.

func (x *Executor) persistTask(task *Task) {
	if x.store == nil {
		return
	}
	snap := task.Snapshot()
	status := "OPEN"
	if snap.State == PositionNone {
		status = "IDLE"
	}
	task.mu.Lock()
	closedAt := task.ClosedAt
	if closedAt != nil {
		status = "CLOSED"
	}
	exitPrice := task.closeExitPrice
	task.mu.Unlock()

	row := db.TaskRow{
		TaskID:     snap.ID,
		UserID:     snap.UserID,
		Symbol:     snap.Symbol,
		Side:       snap.EntrySide,
		Mode:       string(snap.Mode),
		EntryPrice: snap.EntryPrice,
		ExitPrice:  exitPrice,
		Quantity:   snap.Quantity,
		PnL:        snap.Profit,
		Status:     status,
		ClosedAt:   closedAt,
	}
	if err := x.store.UpsertTask(context.Background(), row); err != nil {
		x.log.Warn("task persistence failed", zap.String("task", snap.ID), zap.Error(err))
	}
}

func (x *Executor) persistOrders(task *Task) {
	if x.store == nil {
		return
	}
	task.mu.Lock()
	rows := make([]db.OrderRow, 0, len(task.orders))
	for _, o := range task.orders {
		id := o.ExchangeOrderID
		if id == "" {
			id = o.ClientID
		}
		rows = append(rows, db.OrderRow{
			OrderID:        id,
			TaskID:         task.ID,
			UserID:         task.UserID,
			Symbol:         o.Symbol,
			Side:           o.Side,
			Type:           o.Type,
			Price:          o.Price,
			Quantity:       o.Quantity,
			FilledQuantity: o.FilledQuantity,
			Status:         o.Status,
			IsGridOrder:    o.IsGridOrder,
			GridPairID:     o.GridPairID,
			FilledAt:       o.FilledAt,
		})
	}
	task.mu.Unlock()

	for _, row := range rows {
		if err := x.store.UpsertOrder(context.Background(), row); err != nil {
			x.log.Warn("order persistence failed", zap.String("order", row.OrderID), zap.Error(err))
		}
	}
}

func lastClose(d events.Data) float64 {
	ks := klinesFromData(d)
	if len(ks) == 0 {
		return 0
	}
	return ks[len(ks)-1].Close
}
