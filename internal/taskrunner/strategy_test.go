package taskrunner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"forexcopilot/internal/domain"
)

func TestGenerateSignalStrongBuy(t *testing.T) {
	cond := domain.MarketCondition{
		Pair:            "EUR/USD",
		CurrentPrice:    1.0500,
		Trend:           "BULLISH",
		SupportLevel:    1.0480,
		ResistanceLevel: 1.0900,
		RSI:             25,
		MACD:            domain.MACD{Histogram: 0.002},
	}
	signal := GenerateSignal(cond)
	assert.Equal(t, "BUY", signal.Action)
	// Four aligned votes: 0.7 + 0.6 + 0.8 + 0.9 over 4 signals.
	assert.InDelta(t, 0.75, signal.Confidence, 1e-9)
	assert.Equal(t, "RSI oversold, MACD bullish crossover, Strong uptrend, Price at support", signal.Reason)
	assert.Equal(t, cond.SupportLevel, signal.StopLoss)
	assert.InDelta(t, 1.0500*1.02, signal.TakeProfit, 1e-9)
}

func TestGenerateSignalStrongSell(t *testing.T) {
	cond := domain.MarketCondition{
		Pair:            "GBP/USD",
		CurrentPrice:    1.2700,
		Trend:           "BEARISH",
		SupportLevel:    1.2000,
		ResistanceLevel: 1.2710,
		RSI:             78,
		MACD:            domain.MACD{Histogram: -0.001},
	}
	signal := GenerateSignal(cond)
	assert.Equal(t, "SELL", signal.Action)
	assert.InDelta(t, 0.75, signal.Confidence, 1e-9)
	assert.Equal(t, cond.ResistanceLevel, signal.StopLoss)
	assert.InDelta(t, 1.2700*0.98, signal.TakeProfit, 1e-9)
}

func TestGenerateSignalHoldWithoutVotes(t *testing.T) {
	cond := domain.MarketCondition{
		Pair:            "USD/JPY",
		CurrentPrice:    150,
		Trend:           "SIDEWAYS",
		SupportLevel:    145,
		ResistanceLevel: 155,
		RSI:             50,
	}
	signal := GenerateSignal(cond)
	assert.Equal(t, "HOLD", signal.Action)
	assert.Zero(t, signal.Confidence)
	assert.Empty(t, signal.Reason)
}

func TestGenerateSignalHoldOnDilutedVotes(t *testing.T) {
	// One buy and one sell vote dilute each other below the 0.5 floor.
	cond := domain.MarketCondition{
		Pair:            "AUD/USD",
		CurrentPrice:    0.6600,
		Trend:           "BEARISH",
		SupportLevel:    0.6400,
		ResistanceLevel: 0.6800,
		RSI:             50,
		MACD:            domain.MACD{Histogram: 0.0004},
	}
	signal := GenerateSignal(cond)
	assert.Equal(t, "HOLD", signal.Action)
}

func TestGenerateSignalSingleVoteAboveFloor(t *testing.T) {
	cond := domain.MarketCondition{
		Pair:            "NZD/USD",
		CurrentPrice:    0.6000,
		Trend:           "SIDEWAYS",
		SupportLevel:    0.5800,
		ResistanceLevel: 0.6300,
		RSI:             50,
		MACD:            domain.MACD{Histogram: 0.0002},
	}
	signal := GenerateSignal(cond)
	assert.Equal(t, "BUY", signal.Action)
	assert.InDelta(t, 0.6, signal.Confidence, 1e-9)
	assert.Equal(t, "MACD bullish crossover", signal.Reason)
}
