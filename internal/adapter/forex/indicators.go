package forex

import (
	"math"

	"forexcopilot/internal/domain"
)

// Technical indicators as pure functions over a price history. Callers
// pass oldest-first slices; none of these mutate their input.

// RSI computes the Wilder relative strength index. With fewer than
// period+1 samples the neutral value 50 is returned.
func RSI(prices []float64, period int) float64 {
	if period < 1 || len(prices) < period+1 {
		return 50
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		delta := prices[i] - prices[i-1]
		if delta > 0 {
			gain += delta
		} else {
			loss -= delta
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// EMA computes an exponential moving average seeded with the first
// sample, multiplier 2/(period+1). Returns 0 for empty input.
func EMA(prices []float64, period int) float64 {
	if len(prices) == 0 || period < 1 {
		return 0
	}
	mult := 2.0 / float64(period+1)
	ema := prices[0]
	for _, p := range prices[1:] {
		ema = (p-ema)*mult + ema
	}
	return ema
}

// SMA computes the simple moving average of the last period samples.
func SMA(prices []float64, period int) float64 {
	if len(prices) == 0 || period < 1 {
		return 0
	}
	if len(prices) < period {
		period = len(prices)
	}
	var sum float64
	for _, p := range prices[len(prices)-period:] {
		sum += p
	}
	return sum / float64(period)
}

// MACDOf computes the MACD line (EMA12-EMA26), its EMA9 signal and the
// histogram. Fewer than 26 samples yields all zeros.
func MACDOf(prices []float64) domain.MACD {
	if len(prices) < 26 {
		return domain.MACD{}
	}
	// Rebuild the line series so the signal is an EMA of the line, not
	// of the raw prices.
	line := make([]float64, 0, len(prices)-25)
	for i := 26; i <= len(prices); i++ {
		window := prices[:i]
		line = append(line, EMA(window, 12)-EMA(window, 26))
	}
	macd := line[len(line)-1]
	signal := EMA(line, 9)
	return domain.MACD{MACD: macd, Signal: signal, Histogram: macd - signal}
}

// SupportResistance returns the min and max over the last 50 samples,
// or the whole history when shorter.
func SupportResistance(prices []float64) (support, resistance float64) {
	if len(prices) == 0 {
		return 0, 0
	}
	window := prices
	if len(window) > 50 {
		window = window[len(window)-50:]
	}
	support, resistance = window[0], window[0]
	for _, p := range window[1:] {
		if p < support {
			support = p
		}
		if p > resistance {
			resistance = p
		}
	}
	return support, resistance
}

// Trend classifies the market as BULLISH, BEARISH or SIDEWAYS by
// comparing SMA(20), SMA(50) and the current price.
func Trend(prices []float64) string {
	if len(prices) == 0 {
		return "SIDEWAYS"
	}
	current := prices[len(prices)-1]
	sma20 := SMA(prices, 20)
	sma50 := SMA(prices, 50)
	switch {
	case sma20 > sma50 && current > sma20:
		return "BULLISH"
	case sma20 < sma50 && current < sma20:
		return "BEARISH"
	default:
		return "SIDEWAYS"
	}
}

// Volatility is the population standard deviation of the last 20 samples.
func Volatility(prices []float64) float64 {
	window := prices
	if len(window) > 20 {
		window = window[len(window)-20:]
	}
	if len(window) < 2 {
		return 0
	}
	var sum float64
	for _, p := range window {
		sum += p
	}
	mean := sum / float64(len(window))
	var variance float64
	for _, p := range window {
		variance += (p - mean) * (p - mean)
	}
	variance /= float64(len(window))
	return math.Sqrt(variance)
}

// Analyze bundles all indicators into one market condition snapshot.
func Analyze(pair string, prices []float64) domain.MarketCondition {
	var current float64
	if len(prices) > 0 {
		current = prices[len(prices)-1]
	}
	support, resistance := SupportResistance(prices)
	return domain.MarketCondition{
		Pair:            pair,
		CurrentPrice:    current,
		Trend:           Trend(prices),
		Volatility:      Volatility(prices),
		SupportLevel:    support,
		ResistanceLevel: resistance,
		RSI:             RSI(prices, 14),
		MACD:            MACDOf(prices),
	}
}
