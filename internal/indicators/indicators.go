package indicators

import "math"

// RSI calculates the Relative Strength Index.
func RSI(prices []float64, period int) float64 {
	if len(prices) < period+1 {
		return 50 // neutral if not enough data
	}

	gains := make([]float64, 0, len(prices)-1)
	losses := make([]float64, 0, len(prices)-1)

	for i := 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains = append(gains, change)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -change)
		}
	}

	avgGain := average(gains[:period])
	avgLoss := average(losses[:period])

	for i := period; i < len(gains); i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// SMA calculates the Simple Moving Average over the trailing period.
func SMA(prices []float64, period int) float64 {
	if len(prices) == 0 {
		return 0
	}
	if len(prices) < period {
		return average(prices)
	}
	return average(prices[len(prices)-period:])
}

// EMA calculates the Exponential Moving Average.
func EMA(prices []float64, period int) float64 {
	if len(prices) == 0 {
		return 0
	}
	if len(prices) < period {
		return average(prices)
	}

	multiplier := 2.0 / float64(period+1)
	ema := average(prices[:period])

	for i := period; i < len(prices); i++ {
		ema = (prices[i]-ema)*multiplier + ema
	}

	return ema
}

// ATR calculates the Average True Range over the trailing period.
// highs, lows and closes must be aligned and the same length.
func ATR(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if n < 2 || len(highs) != n || len(lows) != n {
		return 0
	}

	trs := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		tr := highs[i] - lows[i]
		if hc := math.Abs(highs[i] - closes[i-1]); hc > tr {
			tr = hc
		}
		if lc := math.Abs(lows[i] - closes[i-1]); lc > tr {
			tr = lc
		}
		trs = append(trs, tr)
	}

	if len(trs) < period {
		return average(trs)
	}

	// Wilder smoothing
	atr := average(trs[:period])
	for i := period; i < len(trs); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
	}
	return atr
}

// VWAP calculates the volume-weighted average price.
func VWAP(prices, volumes []float64) float64 {
	if len(prices) == 0 || len(prices) != len(volumes) {
		return 0
	}

	var pv, vol float64
	for i := range prices {
		pv += prices[i] * volumes[i]
		vol += volumes[i]
	}
	if vol == 0 {
		return average(prices)
	}
	return pv / vol
}

// BollingerWidth returns (upper-lower)/middle for a 2-sigma band.
func BollingerWidth(prices []float64, period int) float64 {
	if len(prices) < period || period == 0 {
		return 0
	}

	window := prices[len(prices)-period:]
	mid := average(window)
	if mid == 0 {
		return 0
	}

	var sumSq float64
	for _, p := range window {
		d := p - mid
		sumSq += d * d
	}
	sigma := math.Sqrt(sumSq / float64(period))

	return (4 * sigma) / mid
}

// Highest returns the max over the trailing period.
func Highest(values []float64, period int) float64 {
	if len(values) == 0 {
		return 0
	}
	start := 0
	if len(values) > period {
		start = len(values) - period
	}
	high := values[start]
	for _, v := range values[start:] {
		if v > high {
			high = v
		}
	}
	return high
}

// Lowest returns the min over the trailing period.
func Lowest(values []float64, period int) float64 {
	if len(values) == 0 {
		return 0
	}
	start := 0
	if len(values) > period {
		start = len(values) - period
	}
	low := values[start]
	for _, v := range values[start:] {
		if v < low {
			low = v
		}
	}
	return low
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
