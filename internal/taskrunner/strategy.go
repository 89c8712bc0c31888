package taskrunner

import (
	"strings"
	"time"

	"forexcopilot/internal/domain"
)

type vote struct {
	action     string
	confidence float64
	reason     string
}

// GenerateSignal derives a trade decision from one market condition via
// a weighted vote of RSI extremes, MACD histogram sign, trend tag and
// proximity to support/resistance. The winning side must clear both the
// opposing side and an absolute 0.5 confidence floor, otherwise HOLD.
func GenerateSignal(cond domain.MarketCondition) domain.TradingSignal {
	entry := cond.CurrentPrice
	signal := domain.TradingSignal{
		Pair:       cond.Pair,
		Action:     "HOLD",
		EntryPrice: entry,
		Timestamp:  time.Now().UTC(),
	}

	var votes []vote
	if cond.RSI < 30 {
		votes = append(votes, vote{"BUY", 0.7, "RSI oversold"})
	} else if cond.RSI > 70 {
		votes = append(votes, vote{"SELL", 0.7, "RSI overbought"})
	}
	if cond.MACD.Histogram > 0 {
		votes = append(votes, vote{"BUY", 0.6, "MACD bullish crossover"})
	} else if cond.MACD.Histogram < 0 {
		votes = append(votes, vote{"SELL", 0.6, "MACD bearish crossover"})
	}
	switch cond.Trend {
	case "BULLISH":
		votes = append(votes, vote{"BUY", 0.8, "Strong uptrend"})
	case "BEARISH":
		votes = append(votes, vote{"SELL", 0.8, "Strong downtrend"})
	}
	if entry <= cond.SupportLevel*1.01 {
		votes = append(votes, vote{"BUY", 0.9, "Price at support"})
	} else if entry >= cond.ResistanceLevel*0.99 {
		votes = append(votes, vote{"SELL", 0.9, "Price at resistance"})
	}
	if len(votes) == 0 {
		return signal
	}

	var buySum, sellSum float64
	var buyReasons, sellReasons []string
	for _, v := range votes {
		if v.action == "BUY" {
			buySum += v.confidence
			buyReasons = append(buyReasons, v.reason)
		} else {
			sellSum += v.confidence
			sellReasons = append(sellReasons, v.reason)
		}
	}
	total := float64(len(votes))
	buyConfidence := buySum / total
	sellConfidence := sellSum / total

	switch {
	case buyConfidence > sellConfidence && buyConfidence > 0.5:
		signal.Action = "BUY"
		signal.Confidence = buyConfidence
		signal.Reason = strings.Join(buyReasons, ", ")
		signal.StopLoss = cond.SupportLevel
		signal.TakeProfit = entry * 1.02
	case sellConfidence > buyConfidence && sellConfidence > 0.5:
		signal.Action = "SELL"
		signal.Confidence = sellConfidence
		signal.Reason = strings.Join(sellReasons, ", ")
		signal.StopLoss = cond.ResistanceLevel
		signal.TakeProfit = entry * 0.98
	}
	return signal
}
