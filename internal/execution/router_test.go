package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hedgerow/spotbot/internal/exchange"
)

type fakeExchange struct {
	filters exchange.SymbolFilters

	submitAck  *exchange.OrderAck
	submitErr  error
	submitted  []exchange.OrderRequest
	byClientID *exchange.OrderAck

	getAck    *exchange.OrderAck
	cancelled []string
}

var _ exchange.Interface = (*fakeExchange)(nil)

func (f *fakeExchange) GetTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeExchange) GetDepth(ctx context.Context, symbol string, levels int) (*exchange.Depth, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeExchange) GetBalances(ctx context.Context) ([]exchange.Balance, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeExchange) Filters(ctx context.Context, symbol string) (exchange.SymbolFilters, error) {
	return f.filters, nil
}

func (f *fakeExchange) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, error) {
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.submitAck, nil
}

func (f *fakeExchange) GetOrder(ctx context.Context, symbol, orderID string) (*exchange.OrderAck, error) {
	if f.getAck == nil {
		return nil, errors.New("not found")
	}
	return f.getAck, nil
}

func (f *fakeExchange) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*exchange.OrderAck, error) {
	if f.byClientID == nil {
		return nil, errors.New("not found")
	}
	return f.byClientID, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeExchange) LastPrice(symbol string) decimal.Decimal {
	return decimal.Zero
}

func testFilters() exchange.SymbolFilters {
	return exchange.SymbolFilters{
		Symbol:    "BTCUSDT",
		PriceTick: decimal.NewFromFloat(0.01),
		QtyStep:   decimal.NewFromFloat(0.001),
	}
}

func entryOrder() Order {
	return Order{
		UserID:         "u1",
		Symbol:         "BTCUSDT",
		Side:           exchange.SideBuy,
		Quantity:       decimal.NewFromFloat(0.1),
		ReferencePrice: decimal.NewFromInt(50_000),
		TickID:         42,
		Purpose:        "entry-A",
	}
}

func TestClientOrderID(t *testing.T) {
	a := ClientOrderID("u1", "BTCUSDT", 42, "entry-A")
	b := ClientOrderID("u1", "BTCUSDT", 42, "entry-A")
	assert.Equal(t, a, b, "same inputs, same key")
	assert.Len(t, a, 27)
	assert.Contains(t, a, "sb-")

	assert.NotEqual(t, a, ClientOrderID("u1", "BTCUSDT", 43, "entry-A"), "tick changes the key")
	assert.NotEqual(t, a, ClientOrderID("u1", "BTCUSDT", 42, "scale-x"), "purpose changes the key")
	assert.NotEqual(t, a, ClientOrderID("u2", "BTCUSDT", 42, "entry-A"), "user changes the key")
}

func TestExecuteMarketFill(t *testing.T) {
	ex := &fakeExchange{
		filters: testFilters(),
		submitAck: &exchange.OrderAck{
			OrderID:     "1001",
			Status:      exchange.OrderFilled,
			ExecutedQty: decimal.NewFromFloat(0.1),
			QuoteQty:    decimal.NewFromInt(5005),
			Fee:         decimal.NewFromFloat(5.0),
		},
	}
	r := New(ex, false, decimal.NewFromInt(10), decimal.NewFromInt(2))

	res := r.Execute(context.Background(), entryOrder())
	require.True(t, res.Success)
	assert.True(t, res.FillPrice.Equal(decimal.NewFromInt(50_050)), "got %s", res.FillPrice)
	assert.True(t, res.Fees.Equal(decimal.NewFromFloat(5.0)))
	assert.InDelta(t, 10.0, res.SlippageBps, 0.01)

	require.Len(t, ex.submitted, 1)
	assert.Equal(t, exchange.TypeMarket, ex.submitted[0].Type)
	assert.Equal(t, ClientOrderID("u1", "BTCUSDT", 42, "entry-A"), ex.submitted[0].ClientOrderID)
}

func TestExecuteQuantityRoundsToZero(t *testing.T) {
	ex := &fakeExchange{filters: testFilters()}
	r := New(ex, false, decimal.NewFromInt(10), decimal.NewFromInt(2))

	ord := entryOrder()
	ord.Quantity = decimal.NewFromFloat(0.0004) // below the 0.001 step

	res := r.Execute(context.Background(), ord)
	assert.False(t, res.Success)
	assert.Equal(t, KindFilterRejected, res.Kind)
	assert.Empty(t, ex.submitted, "nothing reaches the exchange")
}

func TestExecuteRecoversViaClientID(t *testing.T) {
	// The submit response is lost but the order landed; the router must
	// find it through the idempotency key instead of failing.
	ex := &fakeExchange{
		filters:   testFilters(),
		submitErr: &exchange.APIError{Status: 503, Body: "service unavailable"},
		byClientID: &exchange.OrderAck{
			OrderID:     "1002",
			Status:      exchange.OrderFilled,
			ExecutedQty: decimal.NewFromFloat(0.1),
			QuoteQty:    decimal.NewFromInt(5000),
		},
	}
	r := New(ex, false, decimal.NewFromInt(10), decimal.NewFromInt(2))

	res := r.Execute(context.Background(), entryOrder())
	require.True(t, res.Success)
	assert.Equal(t, "1002", res.OrderID)
}

func TestExecuteNonRetryableFailure(t *testing.T) {
	ex := &fakeExchange{
		filters:   testFilters(),
		submitErr: &exchange.APIError{Status: 400, Body: `{"code":-2010,"msg":"Account has insufficient balance"}`},
	}
	r := New(ex, false, decimal.NewFromInt(10), decimal.NewFromInt(2))

	res := r.Execute(context.Background(), entryOrder())
	assert.False(t, res.Success)
	assert.Equal(t, KindInsufficientBalance, res.Kind)
}

func TestExecuteDryRun(t *testing.T) {
	ex := &fakeExchange{filters: testFilters()}
	r := New(ex, true, decimal.NewFromInt(10), decimal.NewFromInt(2))

	res := r.Execute(context.Background(), entryOrder())
	require.True(t, res.Success)
	assert.True(t, res.FillPrice.Equal(decimal.NewFromInt(50_000)), "simulated at reference price")
	assert.True(t, res.FilledQty.Equal(decimal.NewFromFloat(0.1)))
	// Taker fee estimate: 5000 * 10bps = 5.
	assert.True(t, res.Fees.Equal(decimal.NewFromInt(5)), "got %s", res.Fees)
	assert.Empty(t, ex.submitted, "dry run never hits the exchange")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"http 500", &exchange.APIError{Status: 500, Body: "oops"}, KindTransient},
		{"rate limited", &exchange.APIError{Status: 429, Body: "slow down"}, KindTransient},
		{"insufficient balance", &exchange.APIError{Status: 400, Body: "code -2010 insufficient balance"}, KindInsufficientBalance},
		{"lot size", &exchange.APIError{Status: 400, Body: "Filter failure: LOT_SIZE"}, KindFilterRejected},
		{"other api error", &exchange.APIError{Status: 400, Body: "unknown symbol"}, KindNonRetryable},
		{"plain network error", errors.New("connection reset"), KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err))
		})
	}
}
