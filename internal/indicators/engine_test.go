package indicators

import (
	"context"
	"testing"
	"time"

	"quantflow/internal/events"
	"quantflow/pkg/binance"
)

func collect(bus *events.Bus, pattern string) <-chan events.Event {
	ch := make(chan events.Event, 64)
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
		t.Fatalf("unexpected event: %s", e.Subject)
	case <-time.After(d):
	}
}

func makeKlines(n int, close float64) []binance.Kline {
	ks := make([]binance.Kline, n)
	for i := range ks {
		ks[i] = binance.Kline{
			OpenTime: int64(i) * 60_000,
			Open:     close, High: close, Low: close, Close: close,
			IsClosed: true,
		}
	}
	return ks
}

func testFactory() *Factory {
	f := NewFactory()
	f.Register("ma_stop_ta", NewMAStop)
	f.Register("rsi", NewRSI)
	return f
}

func subscribe(bus *events.Bus, user, symbol, name string, params map[string]any) {
	_ = bus.Publish(events.New(events.STIndicatorSubscribe, events.Data{
		"user_id":          user,
		"symbol":           symbol,
		"indicator_name":   name,
		"indicator_params": params,
		"timeframe":        "15m",
	}))
}

func TestSubscribeCreatesInstanceAndRequestsHistory(t *testing.T) {
	bus := events.NewBus(nil, nil)
	created := collect(bus, events.TAIndicatorCreated)
	histReq := collect(bus, events.DEGetHistKlines)
	streamReq := collect(bus, events.DESubscribeKline)

	engine := NewEngine(bus, testFactory(), nil)
	engine.Start()

	subscribe(bus, "u1", "XRPUSDC", "ma_stop_ta", map[string]any{"period": 20.0, "percent": 2.0})

	e := waitEvent(t, created)
	if e.Data.Str("indicator_id") != "u1_XRPUSDC_15m_ma_stop_ta" {
		t.Fatalf("unexpected indicator id: %v", e.Data)
	}
	req := waitEvent(t, histReq)
	if req.Data.Str("symbol") != "XRPUSDC" || req.Data.Int("limit") < 200 {
		t.Fatalf("unexpected history request: %v", req.Data)
	}
	if s := waitEvent(t, streamReq); s.Data.Str("interval") != "15m" {
		t.Fatalf("unexpected stream request: %v", s.Data)
	}
	if engine.InstanceCount() != 1 {
		t.Fatalf("instance count = %d, want 1", engine.InstanceCount())
	}
}

func TestSubscribeUnknownIndicatorFails(t *testing.T) {
	bus := events.NewBus(nil, nil)
	failed := collect(bus, events.TAIndicatorCreateFailed)

	engine := NewEngine(bus, testFactory(), nil)
	engine.Start()

	subscribe(bus, "u1", "XRPUSDC", "does_not_exist", nil)

	e := waitEvent(t, failed)
	if e.Data.Str("indicator_name") != "does_not_exist" || e.Data.Str("error") == "" {
		t.Fatalf("unexpected failure payload: %v", e.Data)
	}
}

// Two indicators on the same pair: one kline tick yields exactly one
// aggregated completion carrying both names.
func TestAggregationEmitsOncePerTick(t *testing.T) {
	bus := events.NewBus(nil, nil)
	completed := collect(bus, events.TACalculationCompleted)

	engine := NewEngine(bus, testFactory(), nil)
	engine.Start()

	subscribe(bus, "u1", "XRP", "ma_stop_ta", map[string]any{"period": 20.0, "percent": 2.0})
	subscribe(bus, "u1", "XRP", "rsi", map[string]any{"period": 14.0})

	deadline := time.Now().Add(time.Second)
	for engine.InstanceCount() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("instances not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	klines := makeKlines(200, 1.0)
	_ = bus.Publish(events.New(events.DEHistKlinesSuccess, events.Data{
		"user_id": "u1", "symbol": "XRP", "interval": "15m", "klines": klines,
	}))

	// Wait for readiness, then tick once.
	time.Sleep(50 * time.Millisecond)
	_ = bus.Publish(events.New(events.DEKlineUpdate, events.Data{
		"user_id": "u1", "symbol": "XRP", "interval": "15m", "klines": klines,
	}))

	e := waitEvent(t, completed)
	ind := e.Data.Map("indicators")
	if ind == nil {
		t.Fatalf("completion missing indicators map: %v", e.Data)
	}
	if _, ok := ind["ma_stop_ta"]; !ok {
		t.Fatalf("ma_stop_ta result missing: %v", ind)
	}
	if _, ok := ind["rsi"]; !ok {
		t.Fatalf("rsi result missing: %v", ind)
	}
	expectNoEvent(t, completed, 200*time.Millisecond)
}

// Instances that never saw historical klines stay silent.
func TestUninitializedInstanceIgnored(t *testing.T) {
	bus := events.NewBus(nil, nil)
	completed := collect(bus, events.TACalculationCompleted)

	engine := NewEngine(bus, testFactory(), nil)
	engine.Start()
	subscribe(bus, "u1", "XRP", "ma_stop_ta", map[string]any{"period": 20.0})

	deadline := time.Now().Add(time.Second)
	for engine.InstanceCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("instance not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = bus.Publish(events.New(events.DEKlineUpdate, events.Data{
		"user_id": "u1", "symbol": "XRP", "interval": "15m", "klines": makeKlines(200, 1.0),
	}))
	expectNoEvent(t, completed, 200*time.Millisecond)
}

func TestMAStopSignals(t *testing.T) {
	tests := []struct {
		name   string
		closes func() []binance.Kline
		want   string
	}{
		{
			// The stop lines bracket the average, so a flat tape sits above
			// the long line and reads as trend-following LONG.
			name: "flat tape reads long",
			closes: func() []binance.Kline {
				return makeKlines(60, 1.0)
			},
			want: SignalLong,
		},
		{
			name: "close above the long stop line",
			closes: func() []binance.Kline {
				ks := makeKlines(60, 1.0)
				ks[len(ks)-1].Close = 1.10
				return ks
			},
			want: SignalLong,
		},
		{
			name: "close below the short stop line",
			closes: func() []binance.Kline {
				ks := makeKlines(60, 1.0)
				ks[len(ks)-1].Close = 0.90
				return ks
			},
			want: SignalShort,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := NewMAStop("ma_stop_ta", "u1", "XRP", "15m", Params{"period": 20, "percent": 2.0})
			if err != nil {
				t.Fatalf("constructor: %v", err)
			}
			ks := tt.closes()
			if err := inst.Initialize(ks); err != nil {
				t.Fatalf("initialize: %v", err)
			}
			result, err := inst.Calculate(ks)
			if err != nil {
				t.Fatalf("calculate: %v", err)
			}
			if result.Signal != tt.want {
				t.Fatalf("signal = %s, want %s (data=%v)", result.Signal, tt.want, result.Data)
			}
		})
	}
}
