package binance

// Kline is one candle as served by the futures REST and stream endpoints.
type Kline struct {
	Symbol    string  `json:"symbol,omitempty"`
	Interval  string  `json:"interval,omitempty"`
	OpenTime  int64   `json:"timestamp"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	IsClosed  bool    `json:"is_closed"`
}

// Balance is one asset row from /fapi/v2/balance.
type Balance struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

// OrderRequest describes an order submission.
type OrderRequest struct {
	Symbol      string
	Side        string // BUY / SELL
	Type        string // MARKET, LIMIT, POST_ONLY, STOP, TAKE_PROFIT, STOP_MARKET, TAKE_PROFIT_MARKET
	Quantity    float64
	Price       float64
	TimeInForce string // GTC default for limit orders
	ReduceOnly  bool
	ClientID    string
}

// OrderResult is the acknowledged order.
type OrderResult struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
}

// OrderUpdate is a translated ORDER_TRADE_UPDATE frame from the user stream.
type OrderUpdate struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Side          string
	Type          string
	Status        string // NEW, PARTIALLY_FILLED, FILLED, CANCELED, ...
	Price         float64
	AvgPrice      float64
	LastFillPrice float64
	LastFillQty   float64
	FilledQty     float64
	Quantity      float64
}

// PositionUpdate is one position row from an ACCOUNT_UPDATE frame.
type PositionUpdate struct {
	Symbol        string
	PositionAmt   float64
	EntryPrice    float64
	UnrealizedPnL float64
}

// BalanceUpdate is one balance row from an ACCOUNT_UPDATE frame.
type BalanceUpdate struct {
	Asset         string
	WalletBalance float64
	CrossWallet   float64
}
