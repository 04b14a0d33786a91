package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	mainnetBaseURL = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"

	orderMaxAttempts = 3
)

// APIError carries the HTTP status so callers can separate retryable server
// trouble from hard client rejections.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the error is a transient server-side failure.
func (e *APIError) Retryable() bool { return e.Status >= 500 }

// Client is a signed USDT-M futures REST client. One instance per account;
// the API secret never leaves this struct.
type Client struct {
	UserID     string
	apiKey     string
	apiSecret  string
	BaseURL    string
	HTTPClient *http.Client
	limiter    *rate.Limiter
}

// NewClient builds a REST client; testnet toggles the base URL.
func NewClient(userID, apiKey, apiSecret string, testnet bool, timeout time.Duration) *Client {
	base := mainnetBaseURL
	if testnet {
		base = testnetBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		UserID:     userID,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		BaseURL:    base,
		HTTPClient: &http.Client{Timeout: timeout},
		// 2400 weight/min for futures; keep a wide margin under it.
		limiter: rate.NewLimiter(rate.Limit(20), 40),
	}
}

func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// signedQuery stamps a fresh timestamp and signature. Called per attempt so
// retries never reuse a stale signature.
func (c *Client) signedQuery(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	encoded := params.Encode()
	return encoded + "&signature=" + c.sign(encoded)
}

func (c *Client) do(ctx context.Context, method, endpoint, query string, signed bool) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := c.BaseURL + endpoint
	if query != "" {
		u += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	if signed || c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK {
		return nil, &APIError{Status: res.StatusCode, Body: string(body)}
	}
	return body, nil
}

// GetServerTime fetches the exchange clock in milliseconds.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/time", "", false)
	if err != nil {
		return 0, err
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	return resp.ServerTime, nil
}

// GetKlines fetches up to limit historical klines, oldest first.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/klines", params.Encode(), false)
	if err != nil {
		return nil, fmt.Errorf("get klines %s/%s: %w", symbol, interval, err)
	}

	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, item := range raw {
		// Binance returns 12 fields per kline.
		if len(item) < 7 {
			continue
		}
		klines = append(klines, Kline{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  toInt64(item[0]),
			Open:      toFloat(item[1]),
			High:      toFloat(item[2]),
			Low:       toFloat(item[3]),
			Close:     toFloat(item[4]),
			Volume:    toFloat(item[5]),
			CloseTime: toInt64(item[6]),
			IsClosed:  true,
		})
	}
	return klines, nil
}

// GetBalance returns the balance row for one asset.
func (c *Client) GetBalance(ctx context.Context, asset string) (Balance, error) {
	query := c.signedQuery(url.Values{})
	body, err := c.do(ctx, http.MethodGet, "/fapi/v2/balance", query, true)
	if err != nil {
		return Balance{}, fmt.Errorf("get balance: %w", err)
	}
	var rows []Balance
	if err := json.Unmarshal(body, &rows); err != nil {
		return Balance{}, fmt.Errorf("decode balance: %w", err)
	}
	for _, b := range rows {
		if b.Asset == asset {
			return b, nil
		}
	}
	return Balance{Asset: asset, Balance: "0", AvailableBalance: "0"}, nil
}

// PlaceOrder submits an order. Transient errors (5xx, network) are retried
// up to three attempts with a fresh timestamp and signature each time; 4xx
// fails immediately. The int result is the retry count callers report: the
// zero-based index of the attempt that produced the outcome (2 after two 5xx
// and a success), or 3 when every attempt fails with a retryable error.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, int, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(req.Side))
	params.Set("quantity", formatFloat(req.Quantity))

	orderType := strings.ToUpper(req.Type)
	switch orderType {
	case "POST_ONLY":
		// Futures spells maker-only as a GTX limit order.
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTX")
		params.Set("price", formatFloat(req.Price))
	case "LIMIT":
		params.Set("type", "LIMIT")
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		params.Set("timeInForce", tif)
		params.Set("price", formatFloat(req.Price))
	default:
		params.Set("type", orderType)
		if req.Price > 0 && orderType != "MARKET" && orderType != "STOP_MARKET" &&
			orderType != "TAKE_PROFIT_MARKET" {
			params.Set("price", formatFloat(req.Price))
		}
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	var lastErr error
	for attempt := 0; attempt < orderMaxAttempts; attempt++ {
		query := c.signedQuery(cloneValues(params))
		body, err := c.do(ctx, http.MethodPost, "/fapi/v1/order", query, true)
		if err == nil {
			var result OrderResult
			if err := json.Unmarshal(body, &result); err != nil {
				return OrderResult{}, attempt, fmt.Errorf("decode order: %w", err)
			}
			return result, attempt, nil
		}

		lastErr = err
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return OrderResult{}, attempt, err
		}
		if ctx.Err() != nil {
			return OrderResult{}, attempt, ctx.Err()
		}
	}
	return OrderResult{}, orderMaxAttempts, lastErr
}

// CancelOrder cancels one order by exchange id.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	query := c.signedQuery(params)
	if _, err := c.do(ctx, http.MethodDelete, "/fapi/v1/order", query, true); err != nil {
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	return nil
}

// CreateListenKey opens a user-data stream key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/listenKey", "", true)
	if err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends the key's life; call every 30 minutes.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	if _, err := c.do(ctx, http.MethodPut, "/fapi/v1/listenKey", params.Encode(), true); err != nil {
		return fmt.Errorf("keepalive listen key: %w", err)
	}
	return nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case json.Number:
		i, _ := t.Int64()
		return i
	default:
		return 0
	}
}
