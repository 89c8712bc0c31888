// Package domain holds the core record types and ports of the service.
//
// Everything here is transport-free: the HTTP layer, the queue and the
// websocket manager depend on these types, never the other way round.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnavailablePair = errors.New("unavailable pair")
	ErrQueueFull       = errors.New("queue full")
	ErrInternal        = errors.New("internal error")
)

// TaskStatus enumerates task record lifecycle states.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskPaused    TaskStatus = "paused"
)

// TaskType enumerates the supported long-running task kinds.
type TaskType string

const (
	TaskMarketAnalysis TaskType = "market_analysis"
	TaskAutoTrade      TaskType = "auto_trade"
	TaskForecast       TaskType = "forecast"
)

// TaskStep is one named unit of work inside a task record.
// Invariant: Task.CurrentStep equals the count of completed steps.
type TaskStep struct {
	Name        string     `json:"name"`
	IsCompleted bool       `json:"is_completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Task is the record owned by the external task store. The core only
// reads and writes the fields below; persistence is the store's concern.
type Task struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	TaskType      TaskType   `json:"task_type"`
	Status        TaskStatus `json:"status"`
	Priority      string     `json:"priority"`
	CreatedAt     time.Time  `json:"created_at"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	CurrentStep   int        `json:"current_step"`
	TotalSteps    int        `json:"total_steps"`
	Steps         []TaskStep `json:"steps"`
	ResultFileURL string     `json:"result_file_url,omitempty"`
}

// EventType enumerates event frame kinds written to duplex sessions.
type EventType string

const (
	EventInfo     EventType = "info"
	EventSuccess  EventType = "success"
	EventWarning  EventType = "warning"
	EventError    EventType = "error"
	EventProgress EventType = "progress"
	EventPing     EventType = "ping"
)

// EventFrame is the wire shape written to subscribers of a topic.
type EventFrame struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Message   string         `json:"message"`
	Type      EventType      `json:"type"`
	Timestamp string         `json:"timestamp"`
	Progress  *float64       `json:"progress"`
	Data      map[string]any `json:"data"`
}

// MACD groups the three MACD components.
type MACD struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// MarketCondition is the closed analysis record for one pair.
type MarketCondition struct {
	Pair            string  `json:"pair"`
	CurrentPrice    float64 `json:"current_price"`
	Trend           string  `json:"trend"` // BULLISH, BEARISH, SIDEWAYS
	Volatility      float64 `json:"volatility"`
	SupportLevel    float64 `json:"support_level"`
	ResistanceLevel float64 `json:"resistance_level"`
	RSI             float64 `json:"rsi"`
	MACD            MACD    `json:"macd"`
}

// TradingSignal is a concrete buy/sell/hold decision for one pair.
type TradingSignal struct {
	Pair       string    `json:"pair"`
	Action     string    `json:"action"` // BUY, SELL, HOLD
	Confidence float64   `json:"confidence"`
	EntryPrice float64   `json:"entry_price"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// ForecastResult is the synthesized short-horizon outlook for one pair.
type ForecastResult struct {
	Pair            string  `json:"pair"`
	Horizon         string  `json:"horizon"` // intraday, 1d, 1w
	CurrentPrice    float64 `json:"current_price"`
	ExpectedLowPct  float64 `json:"expected_low_pct"`
	ExpectedMidPct  float64 `json:"expected_mid_pct"`
	ExpectedHighPct float64 `json:"expected_high_pct"`
	TargetLow       float64 `json:"target_low"`
	TargetMid       float64 `json:"target_mid"`
	TargetHigh      float64 `json:"target_high"`
	Confidence      float64 `json:"confidence"` // [45, 92]
	Bias            string  `json:"bias"`
	Guidance        string  `json:"guidance"`
	HistoryDepth    int     `json:"history_depth"`
}

// UserLimits bounds what the auto-trade risk engine may do.
type UserLimits struct {
	MaxLossPerTrade float64 `json:"max_loss_per_trade"`
	MaxDailyLoss    float64 `json:"max_daily_loss"`
	TakeProfitAt    float64 `json:"take_profit_at"`
	StopLossAt      float64 `json:"stop_loss_at"`
	MaxPositionSize float64 `json:"max_position_size"`
}

// Position is a simulated open or closed trade.
type Position struct {
	Pair       string    `json:"pair"`
	Action     string    `json:"action"`
	EntryPrice float64   `json:"entry_price"`
	Quantity   float64   `json:"quantity"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	OpenedAt   time.Time `json:"opened_at"`
	Status     string    `json:"status"` // OPEN, CLOSED
	ClosePrice float64   `json:"close_price,omitempty"`
	Profit     float64   `json:"profit,omitempty"`
}

// NewsEvent is one economic calendar entry.
type NewsEvent struct {
	Time     string `json:"time"`
	Currency string `json:"currency"`
	Impact   string `json:"impact"`
	Event    string `json:"event"`
	Actual   string `json:"actual"`
	Forecast string `json:"forecast"`
	Previous string `json:"previous"`
}

// Sentiment is a coarse market mood summary derived from latest rates.
type Sentiment struct {
	Timestamp  string             `json:"timestamp"`
	Trend      string             `json:"trend"`
	MajorPairs map[string]float64 `json:"major_pairs"`
	Volatility string             `json:"volatility"`
	RiskLevel  string             `json:"risk_level"`
}

// TaskStore is the behavioral contract with the external task record
// store. Status transitions are linearized by the store, not the core:
// Update applies mutate under the store's own synchronization.
type TaskStore interface {
	Create(ctx context.Context, t Task) error
	Get(ctx context.Context, id string) (Task, error)
	List(ctx context.Context, userID string) ([]Task, error)
	Update(ctx context.Context, id string, mutate func(*Task)) (Task, error)
	Delete(ctx context.Context, id string) error
}

// EventEmitter is the capability handed to task handlers at enqueue time.
// Handlers publish through it and never import the connection manager.
type EventEmitter interface {
	SendUpdate(ctx context.Context, taskID, message string, typ EventType, progress *float64, data map[string]any)
	SendProgress(ctx context.Context, taskID, step string, progress float64, message string)
	SendComplete(ctx context.Context, taskID string, result map[string]any)
	SendError(ctx context.Context, taskID, message string)
}

// Claims is the verified identity attached to a request.
type Claims struct {
	UserID string
	Raw    map[string]any
}

// TokenVerifier validates a bearer token and returns its claims.
// Implementations must fail closed: any doubt is ErrUnauthorized.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// Float pointer helper for EventFrame.Progress.
func Progress(v float64) *float64 { return &v }
