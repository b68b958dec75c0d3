package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	defaultTimeout = 10 * time.Second
	maxRetries     = 3
)

// Options configure the client.
type Options struct {
	RESTURL   string
	WSURL     string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// Client talks to a Binance-style spot REST API and keeps a websocket
// price cache warm. All prices and quantities cross the wire as decimal
// strings.
type Client struct {
	restURL   string
	wsURL     string
	apiKey    string
	apiSecret string
	http      *http.Client

	filters   map[string]SymbolFilters
	filtersAt time.Time
	filtersMu sync.RWMutex

	prices   map[string]decimal.Decimal
	pricesMu sync.RWMutex

	running bool
	stopCh  chan struct{}
	wsMu    sync.Mutex
}

// NewClient creates an exchange client.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		restURL:   opts.RESTURL,
		wsURL:     opts.WSURL,
		apiKey:    opts.APIKey,
		apiSecret: opts.APISecret,
		http:      &http.Client{Timeout: timeout},
		filters:   make(map[string]SymbolFilters),
		prices:    make(map[string]decimal.Decimal),
		stopCh:    make(chan struct{}),
	}
}

// GetTicker fetches the 24h ticker (last price, best bid/ask, quote
// volume) for one symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	var raw struct {
		Symbol      string `json:"symbol"`
		LastPrice   string `json:"lastPrice"`
		BidPrice    string `json:"bidPrice"`
		AskPrice    string `json:"askPrice"`
		QuoteVolume string `json:"quoteVolume"`
	}
	path := fmt.Sprintf("/api/v3/ticker/24hr?symbol=%s", symbol)
	if err := c.getJSON(ctx, path, &raw); err != nil {
		return nil, fmt.Errorf("ticker %s: %w", symbol, err)
	}

	t := &Ticker{Symbol: raw.Symbol}
	var err error
	if t.LastPrice, err = decimal.NewFromString(raw.LastPrice); err != nil {
		return nil, fmt.Errorf("ticker %s: bad lastPrice %q", symbol, raw.LastPrice)
	}
	t.Bid, _ = decimal.NewFromString(raw.BidPrice)
	t.Ask, _ = decimal.NewFromString(raw.AskPrice)
	t.QuoteVolume24h, _ = decimal.NewFromString(raw.QuoteVolume)
	return t, nil
}

// GetKlines fetches historical candles.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	var raw [][]interface{}
	path := fmt.Sprintf("/api/v3/klines?symbol=%s&interval=%s&limit=%d", symbol, interval, limit)
	if err := c.getJSON(ctx, path, &raw); err != nil {
		return nil, fmt.Errorf("klines %s: %w", symbol, err)
	}

	klines := make([]Kline, len(raw))
	for i, k := range raw {
		if len(k) < 7 {
			return nil, fmt.Errorf("klines %s: short row", symbol)
		}
		openTime, _ := k[0].(float64)
		closeTime, _ := k[6].(float64)
		klines[i] = Kline{
			OpenTime:  int64(openTime),
			Open:      mustDecimal(k[1]),
			High:      mustDecimal(k[2]),
			Low:       mustDecimal(k[3]),
			Close:     mustDecimal(k[4]),
			Volume:    mustDecimal(k[5]),
			CloseTime: int64(closeTime),
		}
	}
	return klines, nil
}

// GetDepth fetches the order book down to the requested level count.
func (c *Client) GetDepth(ctx context.Context, symbol string, levels int) (*Depth, error) {
	var raw struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	path := fmt.Sprintf("/api/v3/depth?symbol=%s&limit=%d", symbol, levels)
	if err := c.getJSON(ctx, path, &raw); err != nil {
		return nil, fmt.Errorf("depth %s: %w", symbol, err)
	}

	depth := &Depth{
		Bids: make([]Level, len(raw.Bids)),
		Asks: make([]Level, len(raw.Asks)),
	}
	for i, b := range raw.Bids {
		price, _ := decimal.NewFromString(b[0])
		qty, _ := decimal.NewFromString(b[1])
		depth.Bids[i] = Level{Price: price, Quantity: qty}
	}
	for i, a := range raw.Asks {
		price, _ := decimal.NewFromString(a[0])
		qty, _ := decimal.NewFromString(a[1])
		depth.Asks[i] = Level{Price: price, Quantity: qty}
	}
	return depth, nil
}

// GetBalances fetches spot account balances (signed endpoint).
func (c *Client) GetBalances(ctx context.Context) ([]Balance, error) {
	var raw struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := c.signedCall(ctx, http.MethodGet, "/api/v3/account", url.Values{}, &raw); err != nil {
		return nil, fmt.Errorf("account: %w", err)
	}

	out := make([]Balance, 0, len(raw.Balances))
	for _, b := range raw.Balances {
		free, _ := decimal.NewFromString(b.Free)
		locked, _ := decimal.NewFromString(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out = append(out, Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

// SubmitOrder places a spot order (signed endpoint).
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("type", req.Type)
	params.Set("quantity", req.Quantity.String())
	params.Set("newClientOrderId", req.ClientOrderID)
	params.Set("newOrderRespType", "FULL")
	if req.Type == TypeLimit {
		params.Set("price", req.Price.String())
		params.Set("timeInForce", "GTC")
	}

	var raw orderResponse
	if err := c.signedCall(ctx, http.MethodPost, "/api/v3/order", params, &raw); err != nil {
		return nil, err
	}
	return raw.toAck(), nil
}

// GetOrder queries an order's current state (signed endpoint).
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (*OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	var raw orderResponse
	if err := c.signedCall(ctx, http.MethodGet, "/api/v3/order", params, &raw); err != nil {
		return nil, err
	}
	return raw.toAck(), nil
}

// GetOrderByClientID queries an order by its idempotency key. Used to
// recover the outcome of a submission whose response was lost.
func (c *Client) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)

	var raw orderResponse
	if err := c.signedCall(ctx, http.MethodGet, "/api/v3/order", params, &raw); err != nil {
		return nil, err
	}
	return raw.toAck(), nil
}

// CancelOrder cancels an open order (signed endpoint).
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	var raw orderResponse
	return c.signedCall(ctx, http.MethodDelete, "/api/v3/order", params, &raw)
}

type orderResponse struct {
	OrderID       json.Number `json:"orderId"`
	ClientOrderID string      `json:"clientOrderId"`
	Status        string      `json:"status"`
	ExecutedQty   string      `json:"executedQty"`
	QuoteQty      string      `json:"cummulativeQuoteQty"`
	UpdateTime    int64       `json:"updateTime"`
	Fills         []struct {
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
	} `json:"fills"`
}

func (r *orderResponse) toAck() *OrderAck {
	ack := &OrderAck{
		OrderID:       r.OrderID.String(),
		ClientOrderID: r.ClientOrderID,
		Status:        r.Status,
		UpdateTime:    r.UpdateTime,
	}
	ack.ExecutedQty, _ = decimal.NewFromString(r.ExecutedQty)
	ack.QuoteQty, _ = decimal.NewFromString(r.QuoteQty)
	fee := decimal.Zero
	for _, f := range r.Fills {
		commission, _ := decimal.NewFromString(f.Commission)
		fee = fee.Add(commission)
	}
	ack.Fee = fee
	return ack
}

// ─────────────────────────────── plumbing ────────────────────────────

// getJSON performs a public GET with bounded retry on transient errors.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.restURL+path, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("exchange %d: %s", resp.StatusCode, truncate(body))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("exchange %d: %s", resp.StatusCode, truncate(body))
		}
		return json.Unmarshal(body, out)
	}
	return fmt.Errorf("exhausted retries: %w", lastErr)
}

// signedCall performs an HMAC-signed request. Order placement is never
// retried here; idempotency is handled above via client order IDs.
func (c *Client) signedCall(ctx context.Context, method, path string, params url.Values, out any) error {
	params.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	params.Set("recvWindow", "5000")

	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	var reqURL string
	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		reqURL = c.restURL + path + "?" + query
	} else {
		reqURL = c.restURL + path
		body = strings.NewReader(query)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Body: truncate(respBody)}
	}
	return json.Unmarshal(respBody, out)
}

// APIError is a non-200 response from a signed endpoint.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange %d: %s", e.Status, e.Body)
}

// Transient reports whether the call may be retried.
func (e *APIError) Transient() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

func mustDecimal(v interface{}) decimal.Decimal {
	s, _ := v.(string)
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Warn().Str("value", s).Msg("Unparseable decimal from exchange")
		return decimal.Zero
	}
	return d
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
