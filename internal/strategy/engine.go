// Package strategy loads per-account strategy configurations, subscribes the
// indicators they need, and turns aggregated indicator signals into trade
// intents. Position state lives here and moves only on tr.position.* events.
package strategy

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"quantflow/internal/events"
)

// instance is one account's running strategy.
type instance struct {
	userID string
	cfg    *Config

	mu        sync.Mutex
	positions map[string]PositionState
}

func newInstance(userID string, cfg *Config) *instance {
	positions := make(map[string]PositionState, len(cfg.TradingPairs))
	for _, pair := range cfg.TradingPairs {
		positions[pair.Symbol] = PositionNone
	}
	return &instance{userID: userID, cfg: cfg, positions: positions}
}

func (s *instance) position(symbol string) PositionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.positions[symbol]; ok {
		return p
	}
	return PositionNone
}

// setPosition updates state only for configured symbols.
func (s *instance) setPosition(symbol string, state PositionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[symbol]; !ok {
		return false
	}
	s.positions[symbol] = state
	return true
}

// Engine manages every account's strategy instance.
type Engine struct {
	bus       *events.Bus
	log       *zap.Logger
	configDir string

	mu         sync.RWMutex
	strategies map[string]*instance
}

func NewEngine(bus *events.Bus, configDir string, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		bus:        bus,
		log:        log.Named("st"),
		configDir:  configDir,
		strategies: make(map[string]*instance),
	}
}

// Start subscribes the engine to its input topics.
func (e *Engine) Start() {
	e.bus.SubscribeNamed(events.PMAccountLoaded, "st.onAccountLoaded", e.onAccountLoaded)
	e.bus.SubscribeNamed(events.TACalculationCompleted, "st.onCalculationCompleted", e.onCalculationCompleted)
	e.bus.SubscribeNamed(events.TRPositionOpened, "st.onPositionOpened", e.onPositionOpened)
	e.bus.SubscribeNamed(events.TRPositionClosed, "st.onPositionClosed", e.onPositionClosed)
}

func (e *Engine) onAccountLoaded(ctx context.Context, ev events.Event) {
	userID := ev.Data.Str("user_id")
	strategyName := ev.Data.Str("strategy_name")
	if userID == "" || strategyName == "" {
		e.log.Warn("account loaded event missing fields", zap.String("user", userID))
		return
	}

	cfg, err := LoadConfig(e.configDir, userID, strategyName)
	if err != nil {
		e.log.Error("strategy load failed",
			zap.String("user", userID), zap.String("strategy", strategyName), zap.Error(err))
		_ = e.bus.Publish(events.NewFrom(events.STStrategyLoadFailed, events.Data{
			"user_id":  userID,
			"strategy": strategyName,
			"error":    err.Error(),
		}, "st"))
		return
	}

	inst := newInstance(userID, cfg)
	e.mu.Lock()
	e.strategies[userID] = inst
	e.mu.Unlock()

	symbols := make([]string, 0, len(cfg.TradingPairs))
	for _, pair := range cfg.TradingPairs {
		symbols = append(symbols, pair.Symbol)
	}
	e.log.Info("strategy loaded",
		zap.String("user", userID), zap.String("strategy", cfg.StrategyName),
		zap.String("timeframe", cfg.Timeframe), zap.Strings("pairs", symbols))

	loaded := events.Data{
		"user_id":       userID,
		"strategy":      cfg.StrategyName,
		"timeframe":     cfg.Timeframe,
		"leverage":      cfg.Leverage,
		"position_side": cfg.PositionSide,
		"margin_mode":   cfg.MarginMode,
		"margin_type":   cfg.MarginType,
		"trading_pairs": symbols,
		"pair_count":    len(symbols),
		"reverse":       cfg.Reverse,
	}
	if cfg.GridEnabled() {
		loaded["grid"] = gridData(cfg.GridTrading)
	}
	_ = e.bus.Publish(events.NewFrom(events.STStrategyLoaded, loaded, "st"))

	// One subscription per (pair, indicator).
	for _, pair := range cfg.TradingPairs {
		for name, params := range pair.IndicatorParams {
			_ = e.bus.Publish(events.NewFrom(events.STIndicatorSubscribe, events.Data{
				"user_id":          userID,
				"symbol":           pair.Symbol,
				"indicator_name":   name,
				"indicator_params": params,
				"timeframe":        cfg.Timeframe,
			}, "st"))
		}
	}
}

// onCalculationCompleted combines per-indicator signals into a composite and
// consults position state. The default composition rule is unanimity: every
// indicator must agree on a direction, otherwise the tick yields nothing.
func (e *Engine) onCalculationCompleted(ctx context.Context, ev events.Event) {
	userID := ev.Data.Str("user_id")
	symbol := ev.Data.Str("symbol")
	indicators := ev.Data.Map("indicators")

	inst := e.strategy(userID)
	if inst == nil || len(indicators) == 0 {
		return
	}

	composite, price := compositeSignal(indicators)
	current := inst.position(symbol)

	var action, orderSide, positionSide string
	switch {
	case current == PositionNone && composite == "LONG":
		action, orderSide, positionSide = "OPEN", "BUY", "LONG"
	case current == PositionNone && composite == "SHORT":
		action, orderSide, positionSide = "OPEN", "SELL", "SHORT"
	case current == PositionLong && composite == "SHORT":
		action, orderSide, positionSide = "CLOSE", "SELL", "LONG"
	case current == PositionShort && composite == "LONG":
		action, orderSide, positionSide = "CLOSE", "BUY", "SHORT"
	default:
		return
	}

	e.log.Info("signal generated",
		zap.String("user", userID), zap.String("symbol", symbol),
		zap.String("action", action), zap.String("side", orderSide),
		zap.String("composite", composite))
	e.emitSignal(inst, symbol, action, orderSide, positionSide, price)
}

// emitSignal publishes a trade intent carrying the grid configuration
// verbatim so the executor can select its mode without touching files.
func (e *Engine) emitSignal(inst *instance, symbol, action, orderSide, positionSide string, price float64) {
	data := events.Data{
		"user_id":       inst.userID,
		"symbol":        symbol,
		"action":        action,
		"side":          orderSide,
		"position_side": positionSide,
		"price":         price,
		"leverage":      inst.cfg.Leverage,
		"margin_type":   inst.cfg.MarginType,
		"pair_count":    len(inst.cfg.TradingPairs),
		"reverse":       inst.cfg.Reverse,
	}
	if inst.cfg.GridEnabled() {
		data["grid"] = gridData(inst.cfg.GridTrading)
	}
	_ = e.bus.Publish(events.NewFrom(events.STSignalGenerated, data, "st"))
}

func (e *Engine) onPositionOpened(ctx context.Context, ev events.Event) {
	userID := ev.Data.Str("user_id")
	symbol := ev.Data.Str("symbol")
	side := ev.Data.Str("side") // LONG / SHORT
	entryPrice := ev.Data.Float("entry_price")

	inst := e.strategy(userID)
	if inst == nil {
		return
	}
	state := PositionLong
	if side == "SHORT" {
		state = PositionShort
	}
	if !inst.setPosition(symbol, state) {
		return
	}
	e.log.Info("position state updated",
		zap.String("user", userID), zap.String("symbol", symbol), zap.String("state", string(state)))

	if !inst.cfg.GridEnabled() {
		return
	}
	g := inst.cfg.GridTrading
	_ = e.bus.Publish(events.NewFrom(events.STGridCreate, events.Data{
		"user_id":     userID,
		"symbol":      symbol,
		"entry_price": entryPrice,
		"side":        side,
		"grid_type":   g.GridType,
		"grid_ratio":  g.Ratio,
		"grid_levels": g.GridLevels,
		"upper_price": g.UpperPrice,
		"lower_price": g.LowerPrice,
		"move_up":     g.MoveUp,
		"move_down":   g.MoveDown,
	}, "st"))
}

func (e *Engine) onPositionClosed(ctx context.Context, ev events.Event) {
	userID := ev.Data.Str("user_id")
	symbol := ev.Data.Str("symbol")
	closedSide := ev.Data.Str("side") // the side that was held

	inst := e.strategy(userID)
	if inst == nil {
		return
	}
	if !inst.setPosition(symbol, PositionNone) {
		return
	}
	e.log.Info("position state cleared",
		zap.String("user", userID), zap.String("symbol", symbol))

	if !inst.cfg.Reverse {
		return
	}
	// Reverse entry: immediately open the opposite direction.
	orderSide, positionSide := "SELL", "SHORT"
	if closedSide == "SHORT" {
		orderSide, positionSide = "BUY", "LONG"
	}
	e.log.Info("reverse entry",
		zap.String("user", userID), zap.String("symbol", symbol), zap.String("side", positionSide))
	e.emitSignal(inst, symbol, "OPEN", orderSide, positionSide, ev.Data.Float("exit_price"))
}

// Position exposes the tracked state (api surface and tests).
func (e *Engine) Position(userID, symbol string) PositionState {
	if inst := e.strategy(userID); inst != nil {
		return inst.position(symbol)
	}
	return PositionNone
}

func (e *Engine) strategy(userID string) *instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.strategies[userID]
}

// compositeSignal applies the unanimity rule and extracts the freshest close
// price any indicator reported.
func compositeSignal(indicators events.Data) (string, float64) {
	composite := ""
	price := 0.0
	for _, v := range indicators {
		entry, ok := v.(events.Data)
		if !ok {
			if m, ok2 := v.(map[string]any); ok2 {
				entry = events.Data(m)
			} else {
				continue
			}
		}
		sig := entry.Str("signal")
		if data := entry.Map("data"); data != nil {
			if c := data.Float("close"); c > 0 {
				price = c
			}
		}
		if sig == "NONE" || sig == "" {
			return "NONE", price
		}
		if composite == "" {
			composite = sig
		} else if composite != sig {
			return "NONE", price
		}
	}
	if composite == "" {
		composite = "NONE"
	}
	return composite, price
}

func gridData(g *GridConfig) events.Data {
	return events.Data{
		"enabled":     g.Enabled,
		"grid_type":   g.GridType,
		"ratio":       g.Ratio,
		"grid_levels": g.GridLevels,
		"upper_price": g.UpperPrice,
		"lower_price": g.LowerPrice,
		"move_up":     g.MoveUp,
		"move_down":   g.MoveDown,
	}
}
