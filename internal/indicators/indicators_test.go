package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSMA(t *testing.T) {
	assert.Equal(t, 0.0, SMA(nil, 5))
	assert.Equal(t, 2.0, SMA([]float64{1, 2, 3}, 5), "short series averages everything")
	assert.Equal(t, 4.0, SMA([]float64{1, 2, 3, 4, 5}, 3), "uses the last period values")
}

func TestEMA(t *testing.T) {
	prices := []float64{10, 10, 10, 10, 10}
	assert.Equal(t, 10.0, EMA(prices, 3), "flat series keeps its level")

	rising := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.InDelta(t, 8.0, EMA(rising, 5), 0.001)
}

func TestRSI(t *testing.T) {
	t.Run("neutral on short series", func(t *testing.T) {
		assert.Equal(t, 50.0, RSI([]float64{1, 2}, 14))
	})

	t.Run("all gains pins high", func(t *testing.T) {
		prices := make([]float64, 20)
		for i := range prices {
			prices[i] = float64(100 + i)
		}
		assert.Greater(t, RSI(prices, 14), 90.0)
	})

	t.Run("all losses pins low", func(t *testing.T) {
		prices := make([]float64, 20)
		for i := range prices {
			prices[i] = float64(200 - i)
		}
		assert.Less(t, RSI(prices, 14), 10.0)
	})
}

func TestATR(t *testing.T) {
	t.Run("zero on insufficient data", func(t *testing.T) {
		assert.Equal(t, 0.0, ATR([]float64{1}, []float64{1}, []float64{1}, 14))
	})

	t.Run("constant range yields that range", func(t *testing.T) {
		n := 30
		highs := make([]float64, n)
		lows := make([]float64, n)
		closes := make([]float64, n)
		for i := range highs {
			highs[i] = 110
			lows[i] = 90
			closes[i] = 100
		}
		assert.InDelta(t, 20.0, ATR(highs, lows, closes, 14), 0.001)
	})
}

func TestVWAP(t *testing.T) {
	prices := []float64{10, 20}
	volumes := []float64{1, 3}
	assert.InDelta(t, 17.5, VWAP(prices, volumes), 0.001)

	// Zero volume falls back to the simple average.
	assert.InDelta(t, 15.0, VWAP(prices, []float64{0, 0}), 0.001)
}

func TestHighestLowest(t *testing.T) {
	values := []float64{5, 9, 2, 7, 3}
	assert.Equal(t, 9.0, Highest(values, 10))
	assert.Equal(t, 7.0, Highest(values, 3), "window excludes the early peak")
	assert.Equal(t, 2.0, Lowest(values, 10))
	assert.Equal(t, 2.0, Lowest(values, 3))
	assert.Equal(t, 0.0, Highest(nil, 5))
}

func TestBollingerWidth(t *testing.T) {
	flat := make([]float64, 25)
	for i := range flat {
		flat[i] = 100
	}
	assert.Equal(t, 0.0, BollingerWidth(flat, 20), "no deviation, no width")
	assert.Equal(t, 0.0, BollingerWidth(flat[:5], 20), "short series")
}
