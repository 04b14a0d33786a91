// Package dataengine owns every external connection: per-account REST
// client, market-data WebSocket and user-data WebSocket. It is driven purely
// by bus events and isolates each account's failures from the others.
package dataengine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"quantflow/internal/events"
	"quantflow/pkg/binance"
)

// klineWindow is the history depth shipped with every de.kline.update.
const klineWindow = 200

// ExchangeClient is the REST surface the engine needs; satisfied by
// *binance.Client and by test fakes.
type ExchangeClient interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]binance.Kline, error)
	GetBalance(ctx context.Context, asset string) (binance.Balance, error)
	PlaceOrder(ctx context.Context, req binance.OrderRequest) (binance.OrderResult, int, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	GetServerTime(ctx context.Context) (int64, error)
}

// clientFactory lets tests swap the exchange transport for fakes.
type clientFactory func(userID, apiKey, apiSecret string, testnet bool) ExchangeClient

type accountConns struct {
	userID  string
	testnet bool
	client  ExchangeClient
	market  *binance.MarketStream
	user    *binance.UserStream

	marketState *connTracker
	userState   *connTracker
	cancel      context.CancelFunc
}

// Manager supervises the per-account connection set.
type Manager struct {
	bus *events.Bus
	log *zap.Logger

	mu       sync.RWMutex
	accounts map[string]*accountConns

	newClient   clientFactory
	restTimeout time.Duration
	wsTimeout   time.Duration
	marginAsset string

	baseCtx context.Context
	cancel  context.CancelFunc
	// startStreams is cleared in unit tests that have no network.
	startStreams bool
}

func NewManager(bus *events.Bus, log *zap.Logger, restTimeout, wsTimeout time.Duration) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		bus:          bus,
		log:          log.Named("de"),
		accounts:     make(map[string]*accountConns),
		restTimeout:  restTimeout,
		wsTimeout:    wsTimeout,
		marginAsset:  "USDC",
		baseCtx:      ctx,
		cancel:       cancel,
		startStreams: true,
	}
	m.newClient = func(userID, apiKey, apiSecret string, testnet bool) ExchangeClient {
		return binance.NewClient(userID, apiKey, apiSecret, testnet, restTimeout)
	}
	return m
}

// Start subscribes the manager to its input topics.
func (m *Manager) Start() {
	m.bus.SubscribeNamed(events.PMAccountLoaded, "de.onAccountLoaded", m.onAccountLoaded)
	m.bus.SubscribeNamed(events.PMAccountDisabled, "de.onAccountDisabled", m.onAccountDisabled)
	m.bus.SubscribeNamed(events.DESubscribeKline, "de.onSubscribeKline", m.onSubscribeKline)
	m.bus.SubscribeNamed(events.DEGetHistKlines, "de.onGetHistKlines", m.onGetHistoricalKlines)
	m.bus.SubscribeNamed(events.TradingOrderCreate, "de.onOrderCreate", m.onOrderCreate)
	m.bus.SubscribeNamed(events.TradingOrderCancel, "de.onOrderCancel", m.onOrderCancel)
	m.bus.SubscribeNamed(events.TradingGetAccountBalance, "de.onGetBalance", m.onGetAccountBalance)
}

func (m *Manager) onAccountLoaded(ctx context.Context, e events.Event) {
	userID := e.Data.Str("user_id")
	apiKey := e.Data.Str("api_key")
	apiSecret := e.Data.Str("api_secret")
	testnet := e.Data.Bool("testnet")

	if userID == "" || apiKey == "" || apiSecret == "" {
		m.publishConnFailed(userID, "missing_credentials", "user_id, api_key and api_secret are required")
		return
	}

	m.mu.Lock()
	if _, exists := m.accounts[userID]; exists {
		m.mu.Unlock()
		m.log.Warn("duplicate account load ignored", zap.String("user", userID))
		return
	}
	m.mu.Unlock()

	client := m.newClient(userID, apiKey, apiSecret, testnet)

	// A signed call validates the credentials before anything subscribes.
	probeCtx, cancel := context.WithTimeout(ctx, m.restTimeout)
	_, err := client.GetBalance(probeCtx, m.marginAsset)
	cancel()
	if err != nil {
		var apiErr *binance.APIError
		code := "connection_error"
		if errors.As(err, &apiErr) && (apiErr.Status == 401 || apiErr.Status == 403) {
			code = "auth_failed"
		}
		m.publishConnFailed(userID, code, err.Error())
		return
	}

	acct := &accountConns{
		userID:  userID,
		testnet: testnet,
		client:  client,
	}
	acctCtx, acctCancel := context.WithCancel(m.baseCtx)
	acct.cancel = acctCancel

	onFailed := func(userID, conn string, failures int) {
		_ = m.bus.PublishTransient(events.NewFrom(events.SystemConnCritical, events.Data{
			"user_id":  userID,
			"conn":     conn,
			"failures": failures,
		}, "de"))
	}
	acct.marketState = newConnTracker(userID, "market_ws", m.log, onFailed)
	acct.userState = newConnTracker(userID, "user_ws", m.log, onFailed)

	m.mu.Lock()
	m.accounts[userID] = acct
	m.mu.Unlock()

	if m.startStreams {
		m.startMarketStream(acctCtx, acct)
		if c, ok := client.(*binance.Client); ok {
			m.startUserStream(acctCtx, acct, c)
		}
	}

	m.log.Info("client connected", zap.String("user", userID), zap.Bool("testnet", testnet))
	_ = m.bus.Publish(events.NewFrom(events.DEClientConnected, events.Data{
		"user_id": userID,
		"testnet": testnet,
	}, "de"))
}

func (m *Manager) startMarketStream(ctx context.Context, acct *accountConns) {
	stream := binance.NewMarketStream(acct.userID, acct.testnet, m.wsTimeout, m.log)
	stream.OnConnect = func() {
		acct.marketState.connected()
		_ = m.bus.Publish(events.NewFrom(events.DEWebsocketConnected, events.Data{
			"user_id":         acct.userID,
			"connection_type": "market",
		}, "de"))
	}
	stream.OnDisconnect = func(reason string) {
		acct.marketState.dropped(reason)
		_ = m.bus.Publish(events.NewFrom(events.DEWebsocketDropped, events.Data{
			"user_id":         acct.userID,
			"connection_type": "market",
			"reason":          reason,
		}, "de"))
	}
	stream.OnClosedKline = func(sub binance.Subscription) {
		m.emitKlineUpdate(acct, sub)
	}
	acct.market = stream
	acct.marketState.connecting()
	go stream.Run(ctx)
}

func (m *Manager) startUserStream(ctx context.Context, acct *accountConns, client *binance.Client) {
	stream := binance.NewUserStream(client, acct.testnet, m.wsTimeout, m.log)
	stream.OnStarted = func(listenKey string) {
		acct.userState.connected()
		_ = m.bus.Publish(events.NewFrom(events.DEUserStreamStarted, events.Data{
			"user_id": acct.userID,
		}, "de"))
	}
	stream.OnDisconnect = func(reason string) {
		acct.userState.dropped(reason)
		_ = m.bus.Publish(events.NewFrom(events.DEWebsocketDropped, events.Data{
			"user_id":         acct.userID,
			"connection_type": "user_data",
			"reason":          reason,
		}, "de"))
	}
	stream.OnOrderUpdate = func(u binance.OrderUpdate) {
		m.emitOrderUpdate(acct.userID, u)
	}
	stream.OnAccountData = func(balances []binance.BalanceUpdate, positions []binance.PositionUpdate) {
		m.emitAccountData(acct.userID, balances, positions)
	}
	acct.user = stream
	acct.userState.connecting()
	go stream.Run(ctx)
}

// emitKlineUpdate fetches the latest window over REST and publishes it. The
// engine never caches klines; each update carries the full window.
func (m *Manager) emitKlineUpdate(acct *accountConns, sub binance.Subscription) {
	ctx, cancel := context.WithTimeout(m.baseCtx, m.restTimeout)
	defer cancel()

	klines, err := acct.client.GetKlines(ctx, sub.Symbol, sub.Interval, klineWindow)
	if err != nil {
		m.log.Warn("kline window fetch failed",
			zap.String("user", acct.userID), zap.String("symbol", sub.Symbol), zap.Error(err))
		return
	}
	_ = m.bus.Publish(events.NewFrom(events.DEKlineUpdate, events.Data{
		"user_id":  acct.userID,
		"symbol":   sub.Symbol,
		"interval": sub.Interval,
		"klines":   klines,
	}, "de"))
}

func (m *Manager) emitOrderUpdate(userID string, u binance.OrderUpdate) {
	data := events.Data{
		"user_id":         userID,
		"symbol":          u.Symbol,
		"order_id":        strconv.FormatInt(u.OrderID, 10),
		"client_order_id": u.ClientOrderID,
		"side":            u.Side,
		"type":            u.Type,
		"status":          u.Status,
		"price":           u.AvgPrice,
		"quantity":        u.Quantity,
		"filled_quantity": u.FilledQty,
	}
	_ = m.bus.Publish(events.NewFrom(events.DEOrderUpdate, data, "de"))

	if u.Status == "FILLED" {
		fillPrice := u.AvgPrice
		if fillPrice == 0 {
			fillPrice = u.LastFillPrice
		}
		_ = m.bus.Publish(events.NewFrom(events.DEOrderFilled, events.Data{
			"user_id":         userID,
			"symbol":          u.Symbol,
			"order_id":        strconv.FormatInt(u.OrderID, 10),
			"client_order_id": u.ClientOrderID,
			"side":            u.Side,
			"price":           fillPrice,
			"quantity":        u.FilledQty,
		}, "de"))
	}
}

func (m *Manager) emitAccountData(userID string, balances []binance.BalanceUpdate, positions []binance.PositionUpdate) {
	if len(balances) > 0 {
		rows := make([]events.Data, 0, len(balances))
		for _, b := range balances {
			rows = append(rows, events.Data{
				"asset":          b.Asset,
				"wallet_balance": b.WalletBalance,
				"cross_wallet":   b.CrossWallet,
			})
		}
		_ = m.bus.Publish(events.NewFrom(events.DEAccountUpdate, events.Data{
			"user_id":  userID,
			"balances": rows,
		}, "de"))
	}
	for _, p := range positions {
		_ = m.bus.Publish(events.NewFrom(events.DEPositionUpdate, events.Data{
			"user_id":        userID,
			"symbol":         p.Symbol,
			"position_amt":   p.PositionAmt,
			"entry_price":    p.EntryPrice,
			"unrealized_pnl": p.UnrealizedPnL,
		}, "de"))
	}
}

func (m *Manager) onAccountDisabled(ctx context.Context, e events.Event) {
	userID := e.Data.Str("user_id")
	m.mu.Lock()
	acct, ok := m.accounts[userID]
	if ok {
		delete(m.accounts, userID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.stopAccount(acct)
	m.log.Info("account connections stopped", zap.String("user", userID))
}

func (m *Manager) onSubscribeKline(ctx context.Context, e events.Event) {
	userID := e.Data.Str("user_id")
	symbol := e.Data.Str("symbol")
	interval := e.Data.Str("interval")
	if interval == "" {
		interval = e.Data.Str("timeframe")
	}

	acct, ok := m.account(userID)
	if !ok || symbol == "" || interval == "" {
		m.log.Warn("kline subscribe ignored",
			zap.String("user", userID), zap.String("symbol", symbol), zap.String("interval", interval))
		return
	}
	if acct.market != nil {
		acct.market.Subscribe(symbol, interval)
	}
}

func (m *Manager) onGetHistoricalKlines(ctx context.Context, e events.Event) {
	userID := e.Data.Str("user_id")
	symbol := e.Data.Str("symbol")
	interval := e.Data.Str("interval")
	limit := e.Data.Int("limit")
	if limit <= 0 {
		limit = klineWindow
	}

	acct, ok := m.account(userID)
	if !ok {
		m.publishHistFailed(userID, symbol, interval, "no client for user")
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.restTimeout)
	defer cancel()
	klines, err := acct.client.GetKlines(reqCtx, symbol, interval, limit)
	if err != nil {
		m.publishHistFailed(userID, symbol, interval, err.Error())
		return
	}
	_ = m.bus.Publish(events.NewFrom(events.DEHistKlinesSuccess, events.Data{
		"user_id":  userID,
		"symbol":   symbol,
		"interval": interval,
		"klines":   klines,
	}, "de"))
}

func (m *Manager) publishHistFailed(userID, symbol, interval, reason string) {
	m.log.Warn("historical klines failed",
		zap.String("user", userID), zap.String("symbol", symbol), zap.String("reason", reason))
	_ = m.bus.Publish(events.NewFrom(events.DEHistKlinesFailed, events.Data{
		"user_id":  userID,
		"symbol":   symbol,
		"interval": interval,
		"error":    reason,
	}, "de"))
}

func (m *Manager) onOrderCreate(ctx context.Context, e events.Event) {
	userID := e.Data.Str("user_id")
	symbol := e.Data.Str("symbol")

	acct, ok := m.account(userID)
	if !ok {
		m.publishOrderFailed(e, 0, "no client for user", "no_client")
		return
	}

	req := binance.OrderRequest{
		Symbol:     symbol,
		Side:       e.Data.Str("side"),
		Type:       e.Data.Str("type"),
		Quantity:   e.Data.Float("quantity"),
		Price:      e.Data.Float("price"),
		ReduceOnly: e.Data.Bool("reduce_only"),
		ClientID:   e.Data.Str("client_order_id"),
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.restTimeout)
	defer cancel()
	result, retries, err := acct.client.PlaceOrder(reqCtx, req)
	if err != nil {
		code := "order_rejected"
		var apiErr *binance.APIError
		if errors.As(err, &apiErr) && apiErr.Retryable() {
			code = "server_busy"
		}
		m.log.Error("order submit failed",
			zap.String("user", userID), zap.String("symbol", symbol),
			zap.Int("retry_count", retries), zap.Error(err))
		m.publishOrderFailed(e, retries, err.Error(), code)
		return
	}

	m.log.Info("order submitted",
		zap.String("user", userID), zap.String("symbol", symbol),
		zap.Int64("order_id", result.OrderID), zap.Int("retry_count", retries))
	_ = m.bus.Publish(events.NewFrom(events.DEOrderSubmitted, events.Data{
		"user_id":         userID,
		"symbol":          symbol,
		"order_id":        strconv.FormatInt(result.OrderID, 10),
		"client_order_id": result.ClientOrderID,
		"side":            req.Side,
		"type":            req.Type,
		"quantity":        req.Quantity,
		"price":           req.Price,
		"status":          result.Status,
		"retry_count":     retries,
	}, "de"))
}

func (m *Manager) publishOrderFailed(orig events.Event, retries int, reason, code string) {
	_ = m.bus.Publish(events.NewFrom(events.DEOrderFailed, events.Data{
		"user_id":         orig.Data.Str("user_id"),
		"symbol":          orig.Data.Str("symbol"),
		"client_order_id": orig.Data.Str("client_order_id"),
		"side":            orig.Data.Str("side"),
		"error":           reason,
		"code":            code,
		"retry_count":     retries,
	}, "de"))
}

func (m *Manager) onOrderCancel(ctx context.Context, e events.Event) {
	userID := e.Data.Str("user_id")
	symbol := e.Data.Str("symbol")
	orderID, _ := strconv.ParseInt(e.Data.Str("order_id"), 10, 64)

	acct, ok := m.account(userID)
	if !ok {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.restTimeout)
	defer cancel()
	err := acct.client.CancelOrder(reqCtx, symbol, orderID)
	success := err == nil
	if err != nil {
		// The order may already be filled or gone; downstream treats the
		// response as the cancellation being settled either way.
		m.log.Warn("order cancel error",
			zap.String("user", userID), zap.String("symbol", symbol),
			zap.Int64("order_id", orderID), zap.Error(err))
	}
	data := events.Data{
		"user_id":         userID,
		"symbol":          symbol,
		"order_id":        e.Data.Str("order_id"),
		"client_order_id": e.Data.Str("client_order_id"),
		"success":         success,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	_ = m.bus.Publish(events.NewFrom(events.DEOrderCancelled, data, "de"))
}

func (m *Manager) onGetAccountBalance(ctx context.Context, e events.Event) {
	userID := e.Data.Str("user_id")
	asset := e.Data.Str("asset")
	if asset == "" {
		asset = m.marginAsset
	}

	acct, ok := m.account(userID)
	if !ok {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.restTimeout)
	defer cancel()
	bal, err := acct.client.GetBalance(reqCtx, asset)
	if err != nil {
		m.log.Warn("balance query failed", zap.String("user", userID), zap.Error(err))
		return
	}
	available, _ := strconv.ParseFloat(bal.AvailableBalance, 64)
	total, _ := strconv.ParseFloat(bal.Balance, 64)
	_ = m.bus.Publish(events.NewFrom(events.DEAccountBalance, events.Data{
		"user_id":           userID,
		"asset":             asset,
		"available_balance": available,
		"balance":           total,
	}, "de"))
}

func (m *Manager) publishConnFailed(userID, code, reason string) {
	m.log.Error("client connection failed",
		zap.String("user", userID), zap.String("code", code), zap.String("reason", reason))
	_ = m.bus.Publish(events.NewFrom(events.DEClientConnFailed, events.Data{
		"user_id": userID,
		"code":    code,
		"error":   reason,
	}, "de"))
}

func (m *Manager) account(userID string) (*accountConns, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[userID]
	return acct, ok
}

// MarketState reports the market connection state for a user (api surface).
func (m *Manager) MarketState(userID string) ConnState {
	if acct, ok := m.account(userID); ok {
		return acct.marketState.current()
	}
	return StateDisconnected
}

func (m *Manager) stopAccount(acct *accountConns) {
	if acct.cancel != nil {
		acct.cancel()
	}
	if acct.market != nil {
		acct.market.Close()
	}
	if acct.user != nil {
		acct.user.Close()
	}
}

// Shutdown closes every connection.
func (m *Manager) Shutdown() {
	m.cancel()
	m.mu.Lock()
	accts := make([]*accountConns, 0, len(m.accounts))
	for _, a := range m.accounts {
		accts = append(accts, a)
	}
	m.accounts = make(map[string]*accountConns)
	m.mu.Unlock()
	for _, a := range accts {
		m.stopAccount(a)
	}
}
