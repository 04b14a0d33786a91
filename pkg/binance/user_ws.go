package binance

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// keepAliveInterval matches the exchange's listen-key refresh requirement.
const keepAliveInterval = 30 * time.Minute

// UserStream is the per-account user-data stream: listen-key lifecycle,
// keepalive loop, reconnect with a fresh key, and frame translation.
type UserStream struct {
	client *Client
	log    *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	listenKey string
	closed    bool

	streamURL   string
	readTimeout time.Duration

	OnStarted      func(listenKey string)
	OnDisconnect   func(reason string)
	OnOrderUpdate  func(u OrderUpdate)
	OnAccountData  func(balances []BalanceUpdate, positions []PositionUpdate)
}

// NewUserStream builds an idle stream bound to a REST client (which owns the
// credentials used for listen-key management).
func NewUserStream(client *Client, testnet bool, readTimeout time.Duration, log *zap.Logger) *UserStream {
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
	return &UserStream{
		client:      client,
		streamURL:   base,
		readTimeout: readTimeout,
		log:         log.Named("user_ws"),
	}
}

// Run keeps the stream alive until ctx is cancelled or Close is called. On
// every drop a NEW listen key is requested before redialing; stale keys are
// never reused.
func (u *UserStream) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil || u.isClosed() {
			return
		}

		key, err := u.client.CreateListenKey(ctx)
		if err != nil {
			u.log.Warn("listen key create failed",
				zap.String("user", u.client.UserID), zap.Error(err))
			if u.OnDisconnect != nil {
				u.OnDisconnect("listen_key: " + err.Error())
			}
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}
		u.mu.Lock()
		u.listenKey = key
		u.mu.Unlock()

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.streamURL+"/ws/"+key, nil)
		if err != nil {
			u.log.Warn("user stream dial failed",
				zap.String("user", u.client.UserID), zap.Error(err))
			if u.OnDisconnect != nil {
				u.OnDisconnect("dial: " + err.Error())
			}
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}

		u.mu.Lock()
		u.conn = conn
		u.mu.Unlock()
		if u.OnStarted != nil {
			u.OnStarted(key)
		}

		streamCtx, cancel := context.WithCancel(ctx)
		go u.keepAliveLoop(streamCtx, key)
		reason := u.readLoop(ctx, conn)
		cancel()
		_ = conn.Close()

		u.mu.Lock()
		u.conn = nil
		stop := u.closed
		u.mu.Unlock()

		if u.OnDisconnect != nil {
			u.OnDisconnect(reason)
		}
		if stop || ctx.Err() != nil {
			return
		}
		// Redial immediately with a fresh key.
	}
}

func (u *UserStream) keepAliveLoop(ctx context.Context, key string) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.client.KeepAliveListenKey(ctx, key); err != nil {
				u.log.Warn("listen key keepalive failed",
					zap.String("user", u.client.UserID), zap.Error(err))
				// Force a reconnect; the Run loop requests a new key.
				u.mu.Lock()
				conn := u.conn
				u.mu.Unlock()
				if conn != nil {
					_ = conn.Close()
				}
				return
			}
			u.log.Debug("listen key refreshed", zap.String("user", u.client.UserID))
		}
	}
}

func (u *UserStream) readLoop(ctx context.Context, conn *websocket.Conn) string {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(u.readTimeout))
	})
	for {
		if err := conn.SetReadDeadline(time.Now().Add(u.readTimeout)); err != nil {
			return "deadline: " + err.Error()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "context cancelled"
			}
			if strings.Contains(err.Error(), "use of closed network connection") {
				return "keepalive_failed"
			}
			return err.Error()
		}
		u.handleMessage(msg)
	}
}

func (u *UserStream) handleMessage(msg []byte) {
	var head struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		u.log.Debug("unparseable user frame", zap.Error(err))
		return
	}

	switch head.EventType {
	case "ORDER_TRADE_UPDATE":
		var frame struct {
			Order struct {
				Symbol        string `json:"s"`
				ClientOrderID string `json:"c"`
				Side          string `json:"S"`
				Type          string `json:"o"`
				OrderID       int64  `json:"i"`
				Status        string `json:"X"`
				Price         string `json:"p"`
				AvgPrice      string `json:"ap"`
				LastFillPrice string `json:"L"`
				LastFillQty   string `json:"l"`
				FilledQty     string `json:"z"`
				Quantity      string `json:"q"`
			} `json:"o"`
		}
		if err := json.Unmarshal(msg, &frame); err != nil {
			u.log.Warn("order update decode failed", zap.Error(err))
			return
		}
		if u.OnOrderUpdate != nil {
			o := frame.Order
			u.OnOrderUpdate(OrderUpdate{
				Symbol:        o.Symbol,
				OrderID:       o.OrderID,
				ClientOrderID: o.ClientOrderID,
				Side:          o.Side,
				Type:          o.Type,
				Status:        o.Status,
				Price:         parseFloat(o.Price),
				AvgPrice:      parseFloat(o.AvgPrice),
				LastFillPrice: parseFloat(o.LastFillPrice),
				LastFillQty:   parseFloat(o.LastFillQty),
				FilledQty:     parseFloat(o.FilledQty),
				Quantity:      parseFloat(o.Quantity),
			})
		}

	case "ACCOUNT_UPDATE":
		var frame struct {
			Account struct {
				Balances []struct {
					Asset         string `json:"a"`
					WalletBalance string `json:"wb"`
					CrossWallet   string `json:"cw"`
				} `json:"B"`
				Positions []struct {
					Symbol        string `json:"s"`
					PositionAmt   string `json:"pa"`
					EntryPrice    string `json:"ep"`
					UnrealizedPnL string `json:"up"`
				} `json:"P"`
			} `json:"a"`
		}
		if err := json.Unmarshal(msg, &frame); err != nil {
			u.log.Warn("account update decode failed", zap.Error(err))
			return
		}
		if u.OnAccountData != nil {
			balances := make([]BalanceUpdate, 0, len(frame.Account.Balances))
			for _, b := range frame.Account.Balances {
				balances = append(balances, BalanceUpdate{
					Asset:         b.Asset,
					WalletBalance: parseFloat(b.WalletBalance),
					CrossWallet:   parseFloat(b.CrossWallet),
				})
			}
			positions := make([]PositionUpdate, 0, len(frame.Account.Positions))
			for _, p := range frame.Account.Positions {
				positions = append(positions, PositionUpdate{
					Symbol:        p.Symbol,
					PositionAmt:   parseFloat(p.PositionAmt),
					EntryPrice:    parseFloat(p.EntryPrice),
					UnrealizedPnL: parseFloat(p.UnrealizedPnL),
				})
			}
			u.OnAccountData(balances, positions)
		}

	case "listenKeyExpired":
		u.log.Warn("listen key expired", zap.String("user", u.client.UserID))
		u.mu.Lock()
		conn := u.conn
		u.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	}
}

func (u *UserStream) isClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}

// Close stops the reconnect loop and drops the socket.
func (u *UserStream) Close() {
	u.mu.Lock()
	u.closed = true
	conn := u.conn
	u.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
