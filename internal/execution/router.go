package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/hedgerow/spotbot/internal/exchange"
	"github.com/hedgerow/spotbot/internal/guardrails"
)

// ErrorKind categorizes execution failures for the caller's recovery
// policy.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindTransient
	KindFilterRejected
	KindInsufficientBalance
	KindNonRetryable
)

const (
	pollInterval = 500 * time.Millisecond
	fillTimeout  = 10 * time.Second
)

// Order is one approved, sized submission.
type Order struct {
	UserID string
	Symbol string
	Side   string // BUY or SELL
	Type   string // empty = MARKET

	Quantity       decimal.Decimal
	LimitPrice     decimal.Decimal // maker-first limit orders
	ReferencePrice decimal.Decimal // mid at decision time, for slippage

	TickID     int64
	Purpose    string // entry | scale | close
	PositionID string

	MakerFirst       bool
	SlippageLimitBps float64
}

// Result is the routed order's outcome.
type Result struct {
	Success     bool
	OrderID     string
	FillPrice   decimal.Decimal
	FilledQty   decimal.Decimal
	Fees        decimal.Decimal
	SlippageBps float64
	Kind        ErrorKind
	Err         error
}

// Router submits orders with idempotent client IDs, waits for fills and
// accounts for fees and slippage. In dry-run mode fills are simulated
// at the reference price.
type Router struct {
	ex          exchange.Interface
	dryRun      bool
	takerFeeBps decimal.Decimal
	makerFeeBps decimal.Decimal
}

// New creates a router.
func New(ex exchange.Interface, dryRun bool, takerFeeBps, makerFeeBps decimal.Decimal) *Router {
	return &Router{ex: ex, dryRun: dryRun, takerFeeBps: takerFeeBps, makerFeeBps: makerFeeBps}
}

// ClientOrderID derives the deterministic idempotency key for an order.
// Retries of the same (user, symbol, tick, purpose) collapse to the
// first submission's outcome.
func ClientOrderID(userID, symbol string, tickID int64, purpose string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", userID, symbol, tickID, purpose)))
	return "sb-" + hex.EncodeToString(sum[:])[:24]
}

// Execute routes one order to the exchange.
func (r *Router) Execute(ctx context.Context, ord Order) Result {
	filters, err := r.ex.Filters(ctx, ord.Symbol)
	if err != nil {
		return Result{Kind: KindTransient, Err: fmt.Errorf("filters: %w", err)}
	}

	qty := filters.SnapQty(ord.Quantity)
	if qty.IsZero() {
		return Result{Kind: KindFilterRejected, Err: fmt.Errorf("quantity %s rounds to zero at step %s", ord.Quantity, filters.QtyStep)}
	}

	orderType := exchange.TypeMarket
	price := decimal.Zero
	if ord.MakerFirst && !ord.LimitPrice.IsZero() {
		orderType = exchange.TypeLimit
		price = filters.SnapPrice(ord.LimitPrice)
	}

	clientID := ClientOrderID(ord.UserID, ord.Symbol, ord.TickID, ord.Purpose)

	if r.dryRun {
		return r.simulate(ord, qty, orderType)
	}

	ack, err := r.submit(ctx, exchange.OrderRequest{
		Symbol:        ord.Symbol,
		Side:          ord.Side,
		Type:          orderType,
		Quantity:      qty,
		Price:         price,
		ClientOrderID: clientID,
	})
	if err != nil {
		return Result{Kind: classify(err), Err: err}
	}

	// Market orders usually fill in the ack; otherwise poll until the
	// exchange reports a terminal state.
	if !exchange.Terminal(ack.Status) {
		ack, err = r.awaitFill(ctx, ord.Symbol, ack.OrderID)
		if err != nil {
			return Result{Kind: KindTransient, OrderID: ack.OrderID, Err: err}
		}
	}

	return r.settle(ctx, ord, ack)
}

// submit places the order; on a transient failure it recovers the
// outcome via the idempotency key before giving up.
func (r *Router) submit(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, error) {
	ack, err := r.ex.SubmitOrder(ctx, req)
	if err == nil {
		return ack, nil
	}
	if classify(err) != KindTransient {
		return nil, err
	}

	// The order may have landed despite the lost response.
	if recovered, lookupErr := r.ex.GetOrderByClientID(ctx, req.Symbol, req.ClientOrderID); lookupErr == nil {
		log.Warn().
			Str("symbol", req.Symbol).
			Str("client_order_id", req.ClientOrderID).
			Msg("Recovered order after transient submit failure")
		return recovered, nil
	}
	return nil, err
}

func (r *Router) awaitFill(ctx context.Context, symbol, orderID string) (*exchange.OrderAck, error) {
	deadline := time.Now().Add(fillTimeout)
	for {
		select {
		case <-ctx.Done():
			return &exchange.OrderAck{OrderID: orderID}, ctx.Err()
		case <-time.After(pollInterval):
		}

		ack, err := r.ex.GetOrder(ctx, symbol, orderID)
		if err != nil {
			if time.Now().After(deadline) {
				return &exchange.OrderAck{OrderID: orderID}, fmt.Errorf("order %s status poll failed: %w", orderID, err)
			}
			continue
		}
		if exchange.Terminal(ack.Status) {
			return ack, nil
		}
		if time.Now().After(deadline) {
			return ack, fmt.Errorf("order %s not terminal after %s (status %s)", orderID, fillTimeout, ack.Status)
		}
	}
}

// settle computes fill price, fees and realized slippage; a partial
// fill that breached the slippage limit has its remainder cancelled.
func (r *Router) settle(ctx context.Context, ord Order, ack *exchange.OrderAck) Result {
	if ack.ExecutedQty.IsZero() {
		return Result{
			OrderID: ack.OrderID,
			Kind:    KindNonRetryable,
			Err:     fmt.Errorf("order %s finished %s with no fill", ack.OrderID, ack.Status),
		}
	}

	fillPrice := ack.AvgFillPrice()
	slippage := guardrails.SlippageBps(ord.ReferencePrice, fillPrice)

	if ord.SlippageLimitBps > 0 && slippage > ord.SlippageLimitBps && ack.Status == exchange.OrderPartiallyFilled {
		if err := r.ex.CancelOrder(ctx, ord.Symbol, ack.OrderID); err != nil {
			log.Error().Err(err).Str("order_id", ack.OrderID).Msg("Failed to cancel remainder after slippage breach")
		} else {
			log.Warn().
				Str("symbol", ord.Symbol).
				Float64("slippage_bps", slippage).
				Msg("Cancelled remainder after slippage breach")
		}
	}

	fees := ack.Fee
	if fees.IsZero() {
		fees = r.estimateFee(fillPrice, ack.ExecutedQty, ord.MakerFirst)
	}

	log.Info().
		Str("symbol", ord.Symbol).
		Str("side", ord.Side).
		Str("purpose", ord.Purpose).
		Str("fill", fillPrice.StringFixed(2)).
		Str("qty", ack.ExecutedQty.String()).
		Float64("slippage_bps", slippage).
		Msg("Order filled")

	return Result{
		Success:     true,
		OrderID:     ack.OrderID,
		FillPrice:   fillPrice,
		FilledQty:   ack.ExecutedQty,
		Fees:        fees,
		SlippageBps: slippage,
	}
}

// simulate fills the order at the reference price for dry-run mode.
func (r *Router) simulate(ord Order, qty decimal.Decimal, orderType string) Result {
	fillPrice := ord.ReferencePrice
	if orderType == exchange.TypeLimit && !ord.LimitPrice.IsZero() {
		fillPrice = ord.LimitPrice
	}
	fees := r.estimateFee(fillPrice, qty, orderType == exchange.TypeLimit)

	log.Info().
		Str("symbol", ord.Symbol).
		Str("side", ord.Side).
		Str("purpose", ord.Purpose).
		Str("fill", fillPrice.StringFixed(2)).
		Str("qty", qty.String()).
		Msg("Order simulated (dry run)")

	return Result{
		Success:   true,
		OrderID:   "dry-" + ClientOrderID(ord.UserID, ord.Symbol, ord.TickID, ord.Purpose),
		FillPrice: fillPrice,
		FilledQty: qty,
		Fees:      fees,
	}
}

func (r *Router) estimateFee(price, qty decimal.Decimal, maker bool) decimal.Decimal {
	bps := r.takerFeeBps
	if maker {
		bps = r.makerFeeBps
	}
	return price.Mul(qty).Mul(bps).Div(decimal.NewFromInt(10000))
}

// classify maps an error to its recovery category.
func classify(err error) ErrorKind {
	var apiErr *exchange.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Transient() {
			return KindTransient
		}
		body := strings.ToLower(apiErr.Body)
		switch {
		case strings.Contains(body, "insufficient balance"), strings.Contains(body, "-2010"):
			return KindInsufficientBalance
		case strings.Contains(body, "lot_size"), strings.Contains(body, "price_filter"),
			strings.Contains(body, "min_notional"), strings.Contains(body, "notional"),
			strings.Contains(body, "-1013"):
			return KindFilterRejected
		}
		return KindNonRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	// Plain network errors.
	return KindTransient
}
