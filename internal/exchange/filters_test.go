package exchange

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func btcFilters() SymbolFilters {
	return SymbolFilters{
		Symbol:      "BTCUSDT",
		PriceTick:   decimal.NewFromFloat(0.01),
		QtyStep:     decimal.NewFromFloat(0.00001),
		MinNotional: decimal.NewFromInt(10),
	}
}

func TestSnapPrice(t *testing.T) {
	f := btcFilters()

	// Always floors, never rounds up.
	got := f.SnapPrice(decimal.NewFromFloat(50_000.019))
	assert.True(t, got.Equal(decimal.NewFromFloat(50_000.01)), "got %s", got)

	got = f.SnapPrice(decimal.NewFromFloat(50_000.01))
	assert.True(t, got.Equal(decimal.NewFromFloat(50_000.01)), "exact tick unchanged, got %s", got)

	// No tick configured passes through.
	var empty SymbolFilters
	got = empty.SnapPrice(decimal.NewFromFloat(123.456))
	assert.True(t, got.Equal(decimal.NewFromFloat(123.456)))
}

func TestSnapQty(t *testing.T) {
	f := btcFilters()

	got := f.SnapQty(decimal.NewFromFloat(0.000123456))
	assert.True(t, got.Equal(decimal.NewFromFloat(0.00012)), "got %s", got)

	// Below one step floors to zero; the router treats that as a
	// filter rejection.
	got = f.SnapQty(decimal.NewFromFloat(0.000004))
	assert.True(t, got.IsZero(), "got %s", got)
}

func TestValidate(t *testing.T) {
	f := btcFilters()

	tests := []struct {
		name  string
		price decimal.Decimal
		qty   decimal.Decimal
		want  string
	}{
		{"conforming", decimal.NewFromInt(50_000), decimal.NewFromFloat(0.001), ""},
		{"off-tick price", decimal.NewFromFloat(50_000.005), decimal.NewFromFloat(0.001), "PRICE_FILTER"},
		{"off-step quantity", decimal.NewFromInt(50_000), decimal.NewFromFloat(0.000001), "LOT_SIZE"},
		{"below min notional", decimal.NewFromInt(100), decimal.NewFromFloat(0.00001), "MIN_NOTIONAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Validate(tt.price, tt.qty))
		})
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal(OrderFilled))
	assert.True(t, Terminal(OrderCanceled))
	assert.True(t, Terminal(OrderRejected))
	assert.True(t, Terminal(OrderExpired))
	assert.False(t, Terminal(OrderNew))
	assert.False(t, Terminal(OrderPartiallyFilled))
}

func TestAvgFillPrice(t *testing.T) {
	ack := &OrderAck{
		ExecutedQty: decimal.NewFromFloat(0.1),
		QuoteQty:    decimal.NewFromInt(5010),
	}
	assert.True(t, ack.AvgFillPrice().Equal(decimal.NewFromInt(50_100)))

	empty := &OrderAck{}
	assert.True(t, empty.AvgFillPrice().IsZero())
}
