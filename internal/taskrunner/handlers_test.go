package taskrunner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forexcopilot/internal/adapter/forex"
	"forexcopilot/internal/adapter/taskstore"
	"forexcopilot/internal/config"
	"forexcopilot/internal/domain"
)

type recordedEvent struct {
	kind     string
	taskID   string
	message  string
	typ      domain.EventType
	progress *float64
	data     map[string]any
}

type stubEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (e *stubEmitter) SendUpdate(_ context.Context, taskID, message string, typ domain.EventType, progress *float64, data map[string]any) {
	e.record(recordedEvent{kind: "update", taskID: taskID, message: message, typ: typ, progress: progress, data: data})
}

func (e *stubEmitter) SendProgress(_ context.Context, taskID, step string, progress float64, message string) {
	e.record(recordedEvent{kind: "progress", taskID: taskID, message: step + ": " + message, typ: domain.EventProgress, progress: &progress})
}

func (e *stubEmitter) SendComplete(_ context.Context, taskID string, result map[string]any) {
	e.record(recordedEvent{kind: "complete", taskID: taskID, typ: domain.EventSuccess, data: result})
}

func (e *stubEmitter) SendError(_ context.Context, taskID, message string) {
	e.record(recordedEvent{kind: "error", taskID: taskID, message: message, typ: domain.EventError})
}

func (e *stubEmitter) record(ev recordedEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *stubEmitter) byKind(kind string) []recordedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []recordedEvent
	for _, ev := range e.events {
		if ev.kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func testRunner(t *testing.T) (*Runner, *taskstore.Memory, *stubEmitter) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"rates":{"EUR":0.9,"GBP":0.8,"JPY":150.0,"CHF":0.88,"AUD":1.5,"CAD":1.35,"NZD":1.65}}`))
	}))
	t.Cleanup(srv.Close)
	fx := forex.NewService(config.Config{
		ForexAPIURL:                  srv.URL,
		ForexMinFetchIntervalSeconds: 3,
	})
	store := taskstore.New()
	emitter := &stubEmitter{}
	r := NewRunner(store, emitter, fx)
	r.sleep = func(context.Context, time.Duration) {}
	return r, store, emitter
}

func createTask(t *testing.T, store *taskstore.Memory, id string, taskType domain.TaskType) {
	t.Helper()
	names := StepsFor(taskType)
	steps := make([]domain.TaskStep, len(names))
	for i, name := range names {
		steps[i] = domain.TaskStep{Name: name}
	}
	require.NoError(t, store.Create(context.Background(), domain.Task{
		ID:         id,
		UserID:     "u-1",
		Title:      "test task",
		TaskType:   taskType,
		Status:     domain.TaskPending,
		CreatedAt:  time.Now().UTC(),
		Steps:      steps,
		TotalSteps: len(steps),
	}))
}

func TestStepsForCoversAllTypes(t *testing.T) {
	assert.Equal(t, []string{"Fetch Data", "Analyze Markets", "Generate Signals", "Create Report"}, StepsFor(domain.TaskMarketAnalysis))
	assert.Equal(t, []string{"Initialize Engine", "Monitor Markets", "Execute Trades", "Manage Positions"}, StepsFor(domain.TaskAutoTrade))
	assert.Equal(t, []string{"Collect Historical Data", "Train AI Model", "Generate Predictions", "Create Forecast Report"}, StepsFor(domain.TaskForecast))
	assert.Nil(t, StepsFor(domain.TaskType("bogus")))
}

func TestParseArgs(t *testing.T) {
	args, err := parseArgs(map[string]any{
		"task_id":        "t-1",
		"currency_pairs": []any{"EUR/USD"},
		"user_limits":    map[string]any{"max_position_size": 500.0},
	})
	require.NoError(t, err)
	assert.Equal(t, "t-1", args.TaskID)
	assert.Equal(t, []string{"EUR/USD"}, args.Pairs)
	require.NotNil(t, args.Limits)
	assert.Equal(t, 500.0, args.Limits.MaxPositionSize)
	assert.Equal(t, 24, args.HorizonHours)

	_, err = parseArgs(map[string]any{})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	// Missing pairs fall back to the majors.
	args, err = parseArgs(map[string]any{"task_id": "t-2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"EUR/USD", "GBP/USD", "USD/JPY"}, args.Pairs)
}

func TestRunMarketAnalysisCompletesTask(t *testing.T) {
	r, store, emitter := testRunner(t)
	createTask(t, store, "t-1", domain.TaskMarketAnalysis)

	err := r.RunMarketAnalysis(context.Background(), map[string]any{
		"task_id":        "t-1",
		"currency_pairs": []any{"EUR/USD", "GBP/USD"},
	})
	require.NoError(t, err)

	task, err := store.Get(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, task.Status)
	assert.Equal(t, "/downloads/t-1_market_analysis.pdf", task.ResultFileURL)
	assert.NotNil(t, task.StartTime)
	assert.NotNil(t, task.EndTime)
	assert.Equal(t, 4, task.CurrentStep)
	for _, step := range task.Steps {
		assert.True(t, step.IsCompleted, step.Name)
		assert.NotNil(t, step.CompletedAt, step.Name)
	}

	progress := emitter.byKind("progress")
	require.Len(t, progress, 3)
	assert.Equal(t, 0.2, *progress[0].progress)
	assert.Equal(t, 0.4, *progress[1].progress)
	assert.Equal(t, 0.8, *progress[2].progress)

	updates := emitter.byKind("update")
	require.Len(t, updates, 2)
	assert.Contains(t, updates[0].message, "Analyzed EUR/USD:")
	assert.Contains(t, updates[0].message, "confidence")

	complete := emitter.byKind("complete")
	require.Len(t, complete, 1)
	assert.Equal(t, "Analysis complete for 2 pairs", complete[0].data["summary"])
	assert.Contains(t, complete[0].data, "analysis")
	assert.Contains(t, complete[0].data, "economic_calendar")
}

func TestRunMarketAnalysisIncludesForecast(t *testing.T) {
	r, store, emitter := testRunner(t)
	createTask(t, store, "t-2", domain.TaskMarketAnalysis)

	err := r.RunMarketAnalysis(context.Background(), map[string]any{
		"task_id":                "t-2",
		"currency_pairs":         []any{"EUR/USD"},
		"include_forecast":       true,
		"forecast_horizon_hours": 4.0,
	})
	require.NoError(t, err)

	updates := emitter.byKind("update")
	require.Len(t, updates, 1)
	assert.Contains(t, updates[0].data, "forecast")
}

func TestRunMarketAnalysisUnknownTaskFails(t *testing.T) {
	r, _, _ := testRunner(t)
	err := r.RunMarketAnalysis(context.Background(), map[string]any{"task_id": "ghost"})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRunAutoTradeRequiresLimits(t *testing.T) {
	r, store, emitter := testRunner(t)
	createTask(t, store, "t-3", domain.TaskAutoTrade)

	err := r.RunAutoTrade(context.Background(), map[string]any{"task_id": "t-3"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	task, gerr := store.Get(context.Background(), "t-3")
	require.NoError(t, gerr)
	assert.Equal(t, domain.TaskFailed, task.Status)
	assert.NotNil(t, task.EndTime)

	errs := emitter.byKind("error")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].message, "trading limits required")
}

func TestRunAutoTradeCompletesSession(t *testing.T) {
	r, store, emitter := testRunner(t)
	createTask(t, store, "t-4", domain.TaskAutoTrade)

	err := r.RunAutoTrade(context.Background(), map[string]any{
		"task_id":        "t-4",
		"currency_pairs": []any{"EUR/USD"},
		"user_limits":    map[string]any{"max_position_size": 1000.0},
	})
	require.NoError(t, err)

	task, gerr := store.Get(context.Background(), "t-4")
	require.NoError(t, gerr)
	assert.Equal(t, domain.TaskCompleted, task.Status)
	assert.Equal(t, "/downloads/t-4_trading_report.pdf", task.ResultFileURL)
	assert.Equal(t, 4, task.CurrentStep)

	complete := emitter.byKind("complete")
	require.Len(t, complete, 1)
	assert.Equal(t, "Auto-trading session completed", complete[0].data["summary"])
	assert.Contains(t, complete[0].data, "trades_executed")
	assert.Contains(t, complete[0].data, "total_profit")
}

func TestRunForecastCompletesTask(t *testing.T) {
	r, store, emitter := testRunner(t)
	createTask(t, store, "t-5", domain.TaskForecast)

	err := r.RunForecast(context.Background(), map[string]any{
		"task_id":                "t-5",
		"currency_pairs":         []any{"EUR/USD", "USD/JPY"},
		"forecast_horizon_hours": 24.0,
	})
	require.NoError(t, err)

	task, gerr := store.Get(context.Background(), "t-5")
	require.NoError(t, gerr)
	assert.Equal(t, domain.TaskCompleted, task.Status)
	assert.Equal(t, "/downloads/t-5_forecasts.pdf", task.ResultFileURL)
	assert.Equal(t, 4, task.CurrentStep)

	updates := emitter.byKind("update")
	require.Len(t, updates, 2)
	assert.Contains(t, updates[0].message, "Predicted")
	assert.Contains(t, updates[0].message, "24h")

	complete := emitter.byKind("complete")
	require.Len(t, complete, 1)
	forecasts, ok := complete[0].data["forecasts"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, forecasts, 2)
}

func TestHorizonFromHours(t *testing.T) {
	assert.Equal(t, "intraday", horizonFromHours(4))
	assert.Equal(t, "intraday", horizonFromHours(8))
	assert.Equal(t, "1d", horizonFromHours(24))
	assert.Equal(t, "1w", horizonFromHours(120))
}
