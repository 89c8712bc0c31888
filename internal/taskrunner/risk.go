package taskrunner

import (
	"sync"
	"time"

	"forexcopilot/internal/domain"
)

const defaultMaxPositionSize = 1000

// CanExecute gates a signal on minimum confidence. The returned string
// explains a refusal.
func CanExecute(signal domain.TradingSignal, minConfidence float64) (bool, string) {
	if signal.Confidence < minConfidence {
		return false, "Confidence too low"
	}
	return true, ""
}

// BuildTrade sizes a simulated position from the signal and the user's
// limits. Quantity is the position budget divided by the entry price.
func BuildTrade(signal domain.TradingSignal, limits *domain.UserLimits) domain.Position {
	maxSize := float64(defaultMaxPositionSize)
	if limits != nil && limits.MaxPositionSize > 0 {
		maxSize = limits.MaxPositionSize
	}
	quantity := 0.0
	if signal.EntryPrice > 0 {
		quantity = maxSize / signal.EntryPrice
	}
	return domain.Position{
		Pair:       signal.Pair,
		Action:     signal.Action,
		EntryPrice: signal.EntryPrice,
		Quantity:   quantity,
		StopLoss:   signal.StopLoss,
		TakeProfit: signal.TakeProfit,
		OpenedAt:   time.Now().UTC(),
		Status:     "OPEN",
	}
}

// EvaluatePosition checks one open position against the current price.
// It returns the closed position and true when a take-profit or
// stop-loss threshold was crossed.
func EvaluatePosition(p domain.Position, currentPrice float64) (domain.Position, bool) {
	var pnl float64
	if p.Action == "SELL" {
		pnl = (p.EntryPrice - currentPrice) * p.Quantity
	} else {
		pnl = (currentPrice - p.EntryPrice) * p.Quantity
	}

	takeProfitAt := (p.TakeProfit - p.EntryPrice) * p.Quantity
	stopLossAt := -(p.EntryPrice - p.StopLoss) * p.Quantity
	if p.Action == "SELL" {
		takeProfitAt = (p.EntryPrice - p.TakeProfit) * p.Quantity
		stopLossAt = -(p.StopLoss - p.EntryPrice) * p.Quantity
	}

	if pnl < takeProfitAt && pnl > stopLossAt {
		return p, false
	}
	closed := p
	closed.Status = "CLOSED"
	closed.ClosePrice = currentPrice
	closed.Profit = pnl
	return closed, true
}

// RiskEngine tracks the simulated open positions of one trading session.
type RiskEngine struct {
	mu        sync.Mutex
	positions []domain.Position
}

// NewRiskEngine returns an engine with no open positions.
func NewRiskEngine() *RiskEngine { return &RiskEngine{} }

// Open records a new position.
func (r *RiskEngine) Open(p domain.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions = append(r.positions, p)
}

// ActiveCount reports the number of open positions.
func (r *RiskEngine) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.positions)
}

// MonitorPositions closes every position whose thresholds the current
// rates cross and returns the closed set.
func (r *RiskEngine) MonitorPositions(rates map[string]float64) []domain.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	var closed []domain.Position
	remaining := r.positions[:0]
	for _, p := range r.positions {
		price, ok := rates[p.Pair]
		if !ok {
			remaining = append(remaining, p)
			continue
		}
		done, shouldClose := EvaluatePosition(p, price)
		if shouldClose {
			closed = append(closed, done)
			continue
		}
		remaining = append(remaining, p)
	}
	r.positions = remaining
	return closed
}
