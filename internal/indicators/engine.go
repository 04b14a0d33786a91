package indicators

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"quantflow/internal/events"
	"quantflow/pkg/binance"
)

// defaultHistoryLimit is requested when an indicator does not need more.
const defaultHistoryLimit = 200

// aggregator collects per-indicator results for one (user, symbol) until
// every registered indicator has deposited a result for the current tick.
type aggregator struct {
	mu       sync.Mutex
	interval string
	results  map[string]Result
}

// Engine is the indicator manager: it owns every instance, reacts to
// subscription requests and kline traffic, and emits one aggregated
// ta.calculation.completed per (user, symbol) tick.
type Engine struct {
	bus     *events.Bus
	log     *zap.Logger
	factory *Factory

	mu          sync.RWMutex
	instances   map[string]Instance   // key: user_symbol_interval_name
	aggregators map[string]*aggregator // key: user_symbol
}

func NewEngine(bus *events.Bus, factory *Factory, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		bus:         bus,
		log:         log.Named("ta"),
		factory:     factory,
		instances:   make(map[string]Instance),
		aggregators: make(map[string]*aggregator),
	}
}

// Start subscribes the engine to its input topics.
func (e *Engine) Start() {
	e.bus.SubscribeNamed(events.STIndicatorSubscribe, "ta.onSubscribe", e.onSubscribe)
	e.bus.SubscribeNamed(events.DEHistKlinesSuccess, "ta.onHistKlines", e.onHistoricalKlines)
	e.bus.SubscribeNamed(events.DEHistKlinesFailed, "ta.onHistKlinesFailed", e.onHistoricalKlinesFailed)
	e.bus.SubscribeNamed(events.DEKlineUpdate, "ta.onKlineUpdate", e.onKlineUpdate)
}

func instanceKey(userID, symbol, interval, name string) string {
	return fmt.Sprintf("%s_%s_%s_%s", userID, symbol, interval, name)
}

func aggregationKey(userID, symbol string) string {
	return userID + "_" + symbol
}

func (e *Engine) onSubscribe(ctx context.Context, ev events.Event) {
	userID := ev.Data.Str("user_id")
	symbol := ev.Data.Str("symbol")
	name := ev.Data.Str("indicator_name")
	timeframe := ev.Data.Str("timeframe")
	if timeframe == "" {
		timeframe = "15m"
	}
	var params Params
	if m := ev.Data.Map("indicator_params"); m != nil {
		params = Params(m)
	} else {
		params = Params{}
	}

	inst, err := e.factory.Create(name, userID, symbol, timeframe, params)
	if err != nil {
		e.log.Error("indicator create failed",
			zap.String("user", userID), zap.String("symbol", symbol),
			zap.String("indicator", name), zap.Error(err))
		_ = e.bus.Publish(events.NewFrom(events.TAIndicatorCreateFailed, events.Data{
			"user_id":        userID,
			"symbol":         symbol,
			"indicator_name": name,
			"error":          err.Error(),
		}, "ta"))
		return
	}

	key := instanceKey(userID, symbol, timeframe, name)
	e.mu.Lock()
	e.instances[key] = inst
	e.mu.Unlock()
	e.log.Info("indicator created",
		zap.String("id", key), zap.Int("min_klines", inst.MinKlines()))

	// Ask the data engine for history and for the live stream.
	limit := inst.MinKlines()
	if limit < defaultHistoryLimit {
		limit = defaultHistoryLimit
	}
	_ = e.bus.Publish(events.NewFrom(events.DEGetHistKlines, events.Data{
		"user_id":  userID,
		"symbol":   symbol,
		"interval": timeframe,
		"limit":    limit,
	}, "ta"))
	_ = e.bus.Publish(events.NewFrom(events.DESubscribeKline, events.Data{
		"user_id":  userID,
		"symbol":   symbol,
		"interval": timeframe,
	}, "ta"))

	_ = e.bus.Publish(events.NewFrom(events.TAIndicatorCreated, events.Data{
		"user_id":        userID,
		"symbol":         symbol,
		"indicator_name": name,
		"indicator_id":   key,
	}, "ta"))
}

func (e *Engine) onHistoricalKlines(ctx context.Context, ev events.Event) {
	userID := ev.Data.Str("user_id")
	symbol := ev.Data.Str("symbol")
	interval := ev.Data.Str("interval")
	klines := klinesFrom(ev.Data)

	for key, inst := range e.matching(userID, symbol, interval) {
		if err := inst.Initialize(klines); err != nil {
			e.log.Error("indicator initialize failed", zap.String("id", key), zap.Error(err))
			continue
		}
		e.log.Info("indicator ready", zap.String("id", key), zap.Int("klines", len(klines)))
	}
}

func (e *Engine) onHistoricalKlinesFailed(ctx context.Context, ev events.Event) {
	e.log.Error("historical klines failed",
		zap.String("user", ev.Data.Str("user_id")),
		zap.String("symbol", ev.Data.Str("symbol")),
		zap.String("interval", ev.Data.Str("interval")),
		zap.String("error", ev.Data.Str("error")))
}

// onKlineUpdate recomputes every ready matching instance and deposits its
// result. Only closed klines reach this handler; the data engine filters.
func (e *Engine) onKlineUpdate(ctx context.Context, ev events.Event) {
	userID := ev.Data.Str("user_id")
	symbol := ev.Data.Str("symbol")
	interval := ev.Data.Str("interval")
	klines := klinesFrom(ev.Data)
	if len(klines) == 0 {
		return
	}

	for key, inst := range e.matching(userID, symbol, interval) {
		if !inst.Ready() {
			e.log.Debug("indicator not ready, skipped", zap.String("id", key))
			continue
		}
		result, err := inst.Calculate(klines)
		if err != nil {
			e.log.Error("indicator calculation failed", zap.String("id", key), zap.Error(err))
			continue
		}
		e.deposit(userID, symbol, interval, inst.Name(), result)
	}
}

// matching returns instances bound to (user, symbol, interval).
func (e *Engine) matching(userID, symbol, interval string) map[string]Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]Instance)
	for key, inst := range e.instances {
		if inst.UserID() == userID && inst.Symbol() == symbol && inst.Interval() == interval {
			out[key] = inst
		}
	}
	return out
}

// deposit stores one result and emits ta.calculation.completed exactly once
// per tick, after the last registered indicator reports.
func (e *Engine) deposit(userID, symbol, interval, name string, result Result) {
	aggKey := aggregationKey(userID, symbol)

	e.mu.Lock()
	agg, ok := e.aggregators[aggKey]
	if !ok {
		agg = &aggregator{interval: interval, results: make(map[string]Result)}
		e.aggregators[aggKey] = agg
	}
	expected := 0
	for _, inst := range e.instances {
		if inst.UserID() == userID && inst.Symbol() == symbol && inst.Interval() == interval {
			expected++
		}
	}
	e.mu.Unlock()

	agg.mu.Lock()
	agg.results[name] = result
	done := len(agg.results) >= expected
	var snapshot map[string]Result
	if done {
		snapshot = agg.results
		agg.results = make(map[string]Result)
	}
	agg.mu.Unlock()

	e.log.Debug("indicator result aggregated",
		zap.String("key", aggKey), zap.String("indicator", name),
		zap.Int("expected", expected), zap.Bool("complete", done))
	if !done {
		return
	}

	payload := make(events.Data, len(snapshot))
	for n, r := range snapshot {
		payload[n] = events.Data{"signal": r.Signal, "data": r.Data}
	}
	_ = e.bus.Publish(events.NewFrom(events.TACalculationCompleted, events.Data{
		"user_id":    userID,
		"symbol":     symbol,
		"timeframe":  interval,
		"indicators": payload,
	}, "ta"))
}

// InstanceCount reports how many instances are live (api surface).
func (e *Engine) InstanceCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.instances)
}

// klinesFrom unwraps the kline window carried inside event data.
func klinesFrom(d events.Data) []binance.Kline {
	if ks, ok := d["klines"].([]binance.Kline); ok {
		return ks
	}
	return nil
}
