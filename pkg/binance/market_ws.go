package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	mainnetStreamURL = "wss://fstream.binance.com"
	testnetStreamURL = "wss://stream.binancefuture.com"

	reconnectDelay = 3 * time.Second
)

// Subscription identifies one kline stream.
type Subscription struct {
	Symbol   string
	Interval string
}

// MarketStream multiplexes kline subscriptions for one account over a single
// combined-stream connection. It never caches klines; consumers receive the
// raw closed-frame notification and fetch history themselves.
type MarketStream struct {
	userID  string
	baseURL string
	dialer  *websocket.Dialer
	log     *zap.Logger

	mu     sync.Mutex
	subs   []Subscription
	conn   *websocket.Conn
	closed bool

	readTimeout time.Duration

	// OnClosedKline fires once per closed candle frame.
	OnClosedKline func(sub Subscription)
	// OnConnect / OnDisconnect drive the owner's connection state machine.
	OnConnect    func()
	OnDisconnect func(reason string)
}

// NewMarketStream builds an idle stream; call Run to connect.
func NewMarketStream(userID string, testnet bool, readTimeout time.Duration, log *zap.Logger) *MarketStream {
	base := mainnetStreamURL
	if testnet {
		base = testnetStreamURL
	}
	if readTimeout <= 0 {
		readTimeout = 60 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MarketStream{
		userID:      userID,
		baseURL:     base,
		dialer:      websocket.DefaultDialer,
		readTimeout: readTimeout,
		log:         log.Named("market_ws"),
	}
}

// Subscribe adds a kline stream. If connected, the socket is recycled so the
// rebuilt combined URL carries the full set; the Run loop restores every
// subscription on the next dial.
func (m *MarketStream) Subscribe(symbol, interval string) {
	sub := Subscription{Symbol: symbol, Interval: interval}

	m.mu.Lock()
	for _, s := range m.subs {
		if s == sub {
			m.mu.Unlock()
			return
		}
	}
	m.subs = append(m.subs, sub)
	conn := m.conn
	m.mu.Unlock()

	m.log.Info("kline subscription added",
		zap.String("user", m.userID), zap.String("symbol", symbol), zap.String("interval", interval))
	if conn != nil {
		_ = conn.Close()
	}
}

// Subscriptions returns a copy of the current set.
func (m *MarketStream) Subscriptions() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Subscription(nil), m.subs...)
}

func (m *MarketStream) streamURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.subs) == 0 {
		return m.baseURL + "/ws"
	}
	names := make([]string, 0, len(m.subs))
	for _, s := range m.subs {
		names = append(names, fmt.Sprintf("%s@kline_%s", strings.ToLower(s.Symbol), s.Interval))
	}
	return m.baseURL + "/stream?streams=" + strings.Join(names, "/")
}

// Run connects and keeps reading until ctx is cancelled or Close is called.
// Every drop triggers OnDisconnect and an automatic redial that restores the
// subscription set.
func (m *MarketStream) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		url := m.streamURL()
		conn, _, err := m.dialer.DialContext(ctx, url, nil)
		if err != nil {
			m.log.Warn("market ws dial failed",
				zap.String("user", m.userID), zap.Error(err))
			if m.OnDisconnect != nil {
				m.OnDisconnect("dial: " + err.Error())
			}
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		if m.OnConnect != nil {
			m.OnConnect()
		}

		reason := m.readLoop(ctx, conn)
		_ = conn.Close()
		m.mu.Lock()
		m.conn = nil
		stop := m.closed
		m.mu.Unlock()

		if m.OnDisconnect != nil && reason != "resubscribe" {
			m.OnDisconnect(reason)
		}
		if stop || ctx.Err() != nil {
			return
		}
		if reason != "resubscribe" {
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
		}
	}
}

func (m *MarketStream) readLoop(ctx context.Context, conn *websocket.Conn) string {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.readTimeout))
	})
	for {
		if err := conn.SetReadDeadline(time.Now().Add(m.readTimeout)); err != nil {
			return "deadline: " + err.Error()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "context cancelled"
			}
			// A locally closed socket means Subscribe recycled the
			// connection to apply a new stream set.
			if strings.Contains(err.Error(), "use of closed network connection") {
				return "resubscribe"
			}
			return err.Error()
		}
		m.handleMessage(msg)
	}
}

func (m *MarketStream) handleMessage(msg []byte) {
	var frame struct {
		Data json.RawMessage `json:"data"`
	}
	payload := msg
	if err := json.Unmarshal(msg, &frame); err == nil && len(frame.Data) > 0 {
		payload = frame.Data
	}

	var raw struct {
		EventType string `json:"e"`
		Kline     struct {
			Symbol   string `json:"s"`
			Interval string `json:"i"`
			IsClosed bool   `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		m.log.Debug("unparseable market frame", zap.String("user", m.userID), zap.Error(err))
		return
	}
	if raw.EventType != "kline" || !raw.Kline.IsClosed {
		return
	}
	if m.OnClosedKline != nil {
		m.OnClosedKline(Subscription{Symbol: raw.Kline.Symbol, Interval: raw.Kline.Interval})
	}
}

// Close stops the reconnect loop and drops the socket.
func (m *MarketStream) Close() {
	m.mu.Lock()
	m.closed = true
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
