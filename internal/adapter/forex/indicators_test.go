package forex

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func rising(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func falling(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start - float64(i)*step
	}
	return out
}

func TestRSINeutralOnShortHistory(t *testing.T) {
	assert.Equal(t, 50.0, RSI(nil, 14))
	assert.Equal(t, 50.0, RSI(rising(14, 1.0, 0.001), 14))
}

func TestRSIAllGainsIsHundred(t *testing.T) {
	assert.Equal(t, 100.0, RSI(rising(15, 1.0, 0.001), 14))
}

func TestRSIAllLossesIsZero(t *testing.T) {
	assert.InDelta(t, 0.0, RSI(falling(15, 1.2, 0.001), 14), 1e-9)
}

func TestRSIMixedBetweenExtremes(t *testing.T) {
	prices := []float64{1.0, 1.01, 1.0, 1.02, 1.01, 1.03, 1.02, 1.04, 1.03, 1.05, 1.04, 1.06, 1.05, 1.07, 1.06}
	rsi := RSI(prices, 14)
	assert.Greater(t, rsi, 50.0)
	assert.Less(t, rsi, 100.0)
}

func TestEMASeedAndConverge(t *testing.T) {
	assert.Equal(t, 0.0, EMA(nil, 12))
	assert.Equal(t, 1.5, EMA([]float64{1.5}, 12))
	// A constant series keeps its value.
	assert.InDelta(t, 2.0, EMA([]float64{2, 2, 2, 2, 2}, 3), 1e-12)
}

func TestMACDZeroOnShortHistory(t *testing.T) {
	m := MACDOf(rising(25, 1.0, 0.001))
	assert.Zero(t, m.MACD)
	assert.Zero(t, m.Signal)
	assert.Zero(t, m.Histogram)
}

func TestMACDPositiveInUptrend(t *testing.T) {
	m := MACDOf(rising(60, 1.0, 0.002))
	assert.Greater(t, m.MACD, 0.0)
	assert.InDelta(t, m.MACD-m.Signal, m.Histogram, 1e-12)
}

func TestSupportResistanceWindow(t *testing.T) {
	prices := append(rising(30, 2.0, 0.01), rising(50, 1.0, 0.001)...)
	support, resistance := SupportResistance(prices)
	// Only the last 50 samples count; the early spike is outside.
	assert.Equal(t, 1.0, support)
	assert.InDelta(t, 1.049, resistance, 1e-9)
}

func TestTrendClassification(t *testing.T) {
	assert.Equal(t, "BULLISH", Trend(rising(60, 1.0, 0.002)))
	assert.Equal(t, "BEARISH", Trend(falling(60, 2.0, 0.002)))
	assert.Equal(t, "SIDEWAYS", Trend([]float64{1, 1, 1, 1, 1}))
	assert.Equal(t, "SIDEWAYS", Trend(nil))
}

func TestVolatilityZeroForFlatSeries(t *testing.T) {
	assert.Zero(t, Volatility([]float64{1.1}))
	assert.Zero(t, Volatility([]float64{1.1, 1.1, 1.1}))
	assert.Greater(t, Volatility([]float64{1.0, 1.1, 0.9, 1.2}), 0.0)
}

func TestAnalyzeBundlesIndicators(t *testing.T) {
	prices := rising(60, 1.0, 0.001)
	cond := Analyze("EUR/USD", prices)
	assert.Equal(t, "EUR/USD", cond.Pair)
	assert.Equal(t, prices[len(prices)-1], cond.CurrentPrice)
	assert.Equal(t, "BULLISH", cond.Trend)
	assert.Equal(t, 100.0, cond.RSI)
	assert.Greater(t, cond.ResistanceLevel, cond.SupportLevel)
}
