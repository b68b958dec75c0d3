package exchange

import (
	"context"

	"github.com/shopspring/decimal"
)

// Ticker is a 24h rolling ticker snapshot.
type Ticker struct {
	Symbol         string
	LastPrice      decimal.Decimal
	Bid            decimal.Decimal
	Ask            decimal.Decimal
	QuoteVolume24h decimal.Decimal
}

// Kline represents a candlestick.
type Kline struct {
	OpenTime  int64
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime int64
}

// Level is one price level of the book.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Depth is the top of the order book.
type Depth struct {
	Bids []Level
	Asks []Level
}

// SymbolFilters are the exchange trading rules for one symbol.
type SymbolFilters struct {
	Symbol         string
	PriceTick      decimal.Decimal
	QtyStep        decimal.Decimal
	MinNotional    decimal.Decimal
	PricePrecision int
	QtyPrecision   int
}

// Balance is one asset's account balance.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Order sides and types. Spot-only: SELL is only ever a close.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TypeMarket = "MARKET"
	TypeLimit  = "LIMIT"
)

// Terminal and non-terminal order states as reported by the exchange.
const (
	OrderNew             = "NEW"
	OrderPartiallyFilled = "PARTIALLY_FILLED"
	OrderFilled          = "FILLED"
	OrderCanceled        = "CANCELED"
	OrderRejected        = "REJECTED"
	OrderExpired         = "EXPIRED"
)

// Terminal reports whether an order status is final.
func Terminal(status string) bool {
	switch status {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// OrderRequest is a new-order submission.
type OrderRequest struct {
	Symbol        string
	Side          string // BUY or SELL
	Type          string // MARKET or LIMIT
	Quantity      decimal.Decimal
	Price         decimal.Decimal // LIMIT only
	ClientOrderID string
}

// OrderAck is the exchange's view of an order.
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Status        string
	ExecutedQty   decimal.Decimal
	QuoteQty      decimal.Decimal // cummulative quote spent/received
	Fee           decimal.Decimal // summed commissions, quote-denominated
	UpdateTime    int64
}

// AvgFillPrice returns quoteQty/executedQty, zero if nothing filled.
func (a *OrderAck) AvgFillPrice() decimal.Decimal {
	if a.ExecutedQty.IsZero() {
		return decimal.Zero
	}
	return a.QuoteQty.Div(a.ExecutedQty)
}

// Interface is the exchange surface the pipeline consumes. The live
// implementation is *Client; tests substitute fakes.
type Interface interface {
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	GetDepth(ctx context.Context, symbol string, levels int) (*Depth, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	Filters(ctx context.Context, symbol string) (SymbolFilters, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	GetOrder(ctx context.Context, symbol, orderID string) (*OrderAck, error)
	GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	LastPrice(symbol string) decimal.Decimal
}
