// Package taskrunner executes the long-running task kinds as step
// machines: each handler walks its task record's steps, publishes
// progress frames through the event emitter and finishes with a terminal
// success or failure transition.
package taskrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"forexcopilot/internal/adapter/forex"
	"forexcopilot/internal/adapter/queue"
	"forexcopilot/internal/domain"
)

// StepsFor returns the ordered step names of a task kind.
func StepsFor(taskType domain.TaskType) []string {
	switch taskType {
	case domain.TaskMarketAnalysis:
		return []string{"Fetch Data", "Analyze Markets", "Generate Signals", "Create Report"}
	case domain.TaskAutoTrade:
		return []string{"Initialize Engine", "Monitor Markets", "Execute Trades", "Manage Positions"}
	case domain.TaskForecast:
		return []string{"Collect Historical Data", "Train AI Model", "Generate Predictions", "Create Forecast Report"}
	}
	return nil
}

// Runner binds the task handlers to their collaborators.
type Runner struct {
	store   domain.TaskStore
	emitter domain.EventEmitter
	fx      *forex.Service

	// sleep is swapped out in tests so the demo loops run instantly.
	sleep func(ctx context.Context, d time.Duration)
}

// NewRunner builds a runner over the live collaborators.
func NewRunner(store domain.TaskStore, emitter domain.EventEmitter, fx *forex.Service) *Runner {
	return &Runner{
		store:   store,
		emitter: emitter,
		fx:      fx,
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		},
	}
}

// Register binds the three task kinds onto the queue.
func (r *Runner) Register(q *queue.Queue) {
	q.Register(string(domain.TaskMarketAnalysis), r.RunMarketAnalysis)
	q.Register(string(domain.TaskAutoTrade), r.RunAutoTrade)
	q.Register(string(domain.TaskForecast), r.RunForecast)
}

type jobArgs struct {
	TaskID          string             `json:"task_id"`
	UserID          string             `json:"user_id"`
	Pairs           []string           `json:"currency_pairs"`
	Limits          *domain.UserLimits `json:"user_limits"`
	IncludeForecast bool               `json:"include_forecast"`
	HorizonHours    int                `json:"forecast_horizon_hours"`
}

func parseArgs(raw map[string]any) (jobArgs, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return jobArgs{}, fmt.Errorf("op=taskrunner.parseArgs: %w", domain.ErrInvalidArgument)
	}
	var args jobArgs
	if err := json.Unmarshal(encoded, &args); err != nil {
		return jobArgs{}, fmt.Errorf("op=taskrunner.parseArgs: %w", domain.ErrInvalidArgument)
	}
	if args.TaskID == "" {
		return jobArgs{}, fmt.Errorf("op=taskrunner.parseArgs: missing task_id: %w", domain.ErrInvalidArgument)
	}
	if len(args.Pairs) == 0 {
		args.Pairs = []string{"EUR/USD", "GBP/USD", "USD/JPY"}
	}
	if args.HorizonHours <= 0 {
		args.HorizonHours = 24
	}
	return args, nil
}

func horizonFromHours(hours int) string {
	switch {
	case hours <= 8:
		return "intraday"
	case hours <= 48:
		return "1d"
	default:
		return "1w"
	}
}

// synthesizeHistory builds a 100-sample price walk around the live rate,
// spanning -5% to +4.9% linearly.
func synthesizeHistory(base float64) []float64 {
	if base <= 0 {
		base = 1.0
	}
	out := make([]float64, 100)
	for i := range out {
		out[i] = base * (1 + (float64(i)/1000 - 0.05))
	}
	return out
}

func (r *Runner) markRunning(ctx context.Context, taskID string) error {
	_, err := r.store.Update(ctx, taskID, func(t *domain.Task) {
		now := time.Now().UTC()
		t.Status = domain.TaskRunning
		t.StartTime = &now
	})
	if err != nil {
		return fmt.Errorf("op=taskrunner.markRunning: %w", err)
	}
	return nil
}

func (r *Runner) markCompleted(ctx context.Context, taskID, resultFileURL string) {
	_, err := r.store.Update(ctx, taskID, func(t *domain.Task) {
		now := time.Now().UTC()
		t.Status = domain.TaskCompleted
		t.EndTime = &now
		t.ResultFileURL = resultFileURL
	})
	if err != nil {
		slog.Warn("task completion update failed", slog.String("task_id", taskID), slog.Any("error", err))
	}
}

func (r *Runner) markFailed(ctx context.Context, taskID string) {
	_, err := r.store.Update(ctx, taskID, func(t *domain.Task) {
		now := time.Now().UTC()
		t.Status = domain.TaskFailed
		t.EndTime = &now
	})
	if err != nil {
		slog.Warn("task failure update failed", slog.String("task_id", taskID), slog.Any("error", err))
	}
}

// completeStep marks one named step done and recounts current_step.
// Marking an already-completed step again is a no-op.
func (r *Runner) completeStep(ctx context.Context, taskID, name string) {
	_, err := r.store.Update(ctx, taskID, func(t *domain.Task) {
		completed := 0
		for i := range t.Steps {
			if t.Steps[i].Name == name && !t.Steps[i].IsCompleted {
				now := time.Now().UTC()
				t.Steps[i].IsCompleted = true
				t.Steps[i].CompletedAt = &now
			}
			if t.Steps[i].IsCompleted {
				completed++
			}
		}
		t.CurrentStep = completed
	})
	if err != nil {
		slog.Warn("step update failed",
			slog.String("task_id", taskID),
			slog.String("step", name),
			slog.Any("error", err))
	}
}

func (r *Runner) fail(ctx context.Context, taskID string, err error) error {
	r.emitter.SendError(ctx, taskID, err.Error())
	r.markFailed(ctx, taskID)
	return err
}

// RunMarketAnalysis walks the market_analysis step machine: fetch live
// data, analyze every requested pair, then publish the report artifact.
func (r *Runner) RunMarketAnalysis(ctx context.Context, raw map[string]any) error {
	args, err := parseArgs(raw)
	if err != nil {
		return err
	}
	taskID := args.TaskID
	if err := r.markRunning(ctx, taskID); err != nil {
		return err
	}

	r.emitter.SendProgress(ctx, taskID, "Fetching Data", 0.2, "Collecting live forex rates and economic calendar...")
	rates := r.fx.Rates(ctx)
	calendar := r.fx.News()
	r.completeStep(ctx, taskID, "Fetch Data")

	r.emitter.SendProgress(ctx, taskID, "Analyzing Markets", 0.4,
		fmt.Sprintf("Analyzing %d currency pairs...", len(args.Pairs)))

	analysis := map[string]any{}
	for _, pair := range args.Pairs {
		history := synthesizeHistory(rates[pair])
		cond := forex.Analyze(pair, history)
		signal := GenerateSignal(cond)

		entry := map[string]any{
			"current_price": cond.CurrentPrice,
			"trend":         cond.Trend,
			"rsi":           cond.RSI,
			"volatility":    cond.Volatility,
			"signal": map[string]any{
				"action":      signal.Action,
				"confidence":  signal.Confidence,
				"reason":      signal.Reason,
				"entry_price": signal.EntryPrice,
				"stop_loss":   signal.StopLoss,
				"take_profit": signal.TakeProfit,
			},
		}
		if args.IncludeForecast {
			r.fx.SeedHistory(pair, history)
			if forecast, ferr := r.fx.Forecast(ctx, pair, horizonFromHours(args.HorizonHours)); ferr == nil {
				entry["forecast"] = forecast
			}
		}
		analysis[pair] = entry

		r.emitter.SendUpdate(ctx, taskID,
			fmt.Sprintf("Analyzed %s: %s signal with %.0f%% confidence", pair, signal.Action, signal.Confidence*100),
			domain.EventInfo, nil, entry)
	}
	r.completeStep(ctx, taskID, "Analyze Markets")
	r.completeStep(ctx, taskID, "Generate Signals")

	r.emitter.SendProgress(ctx, taskID, "Generating Report", 0.8, "Creating detailed market analysis report...")
	r.sleep(ctx, 2*time.Second)
	r.completeStep(ctx, taskID, "Create Report")

	fileURL := fmt.Sprintf("/downloads/%s_market_analysis.pdf", taskID)
	r.emitter.SendComplete(ctx, taskID, map[string]any{
		"summary":           fmt.Sprintf("Analysis complete for %d pairs", len(args.Pairs)),
		"file_url":          fileURL,
		"analysis":          analysis,
		"economic_calendar": calendar,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	})
	r.markCompleted(ctx, taskID, fileURL)
	return nil
}

// RunAutoTrade walks the auto_trade step machine: a bounded demo loop
// that opens simulated positions on strong signals and closes them when
// thresholds are crossed. Limits are mandatory.
func (r *Runner) RunAutoTrade(ctx context.Context, raw map[string]any) error {
	args, err := parseArgs(raw)
	if err != nil {
		return err
	}
	taskID := args.TaskID
	if err := r.markRunning(ctx, taskID); err != nil {
		return err
	}

	r.emitter.SendProgress(ctx, taskID, "Initializing", 0.1, "Setting up autonomous trading engine...")
	r.completeStep(ctx, taskID, "Initialize Engine")

	if args.Limits == nil {
		return r.fail(ctx, taskID, fmt.Errorf("trading limits required for auto-trading: %w", domain.ErrInvalidArgument))
	}

	r.emitter.SendProgress(ctx, taskID, "Monitoring Markets", 0.3,
		fmt.Sprintf("AI is now monitoring %d pairs 24/7...", len(args.Pairs)))
	r.completeStep(ctx, taskID, "Monitor Markets")

	engine := NewRiskEngine()
	tradesExecuted := 0
	totalProfit := 0.0

	for i := 0; i < 5; i++ {
		if ctx.Err() != nil {
			return r.fail(ctx, taskID, ctx.Err())
		}
		rates := r.fx.Rates(ctx)
		for _, pair := range args.Pairs {
			rate, ok := rates[pair]
			if !ok {
				continue
			}
			cond := forex.Analyze(pair, synthesizeHistory(rate))
			signal := GenerateSignal(cond)
			if signal.Action == "HOLD" || signal.Confidence <= 0.7 {
				continue
			}
			trade := BuildTrade(signal, args.Limits)
			engine.Open(trade)
			tradesExecuted++
			r.completeStep(ctx, taskID, "Execute Trades")
			r.emitter.SendUpdate(ctx, taskID,
				fmt.Sprintf("AUTO-TRADE: %s %s at %.4f", signal.Action, pair, signal.EntryPrice),
				domain.EventSuccess, nil, map[string]any{
					"pair":        trade.Pair,
					"action":      trade.Action,
					"entry_price": trade.EntryPrice,
					"quantity":    trade.Quantity,
					"stop_loss":   trade.StopLoss,
					"take_profit": trade.TakeProfit,
					"status":      trade.Status,
				})
		}

		for _, closed := range engine.MonitorPositions(rates) {
			totalProfit += closed.Profit
			typ := domain.EventSuccess
			if closed.Profit <= 0 {
				typ = domain.EventWarning
			}
			r.completeStep(ctx, taskID, "Manage Positions")
			r.emitter.SendUpdate(ctx, taskID,
				fmt.Sprintf("Position closed: %s | Profit: $%.2f", closed.Pair, closed.Profit),
				typ, nil, map[string]any{
					"pair":        closed.Pair,
					"action":      closed.Action,
					"close_price": closed.ClosePrice,
					"profit":      closed.Profit,
				})
		}

		r.emitter.SendProgress(ctx, taskID, "Active Trading", 0.3+float64(i)*0.1,
			fmt.Sprintf("Active positions: %d | Monitoring continues...", engine.ActiveCount()))
		r.sleep(ctx, 10*time.Second)
	}

	// Steps that never fired during the demo loop still close out.
	r.completeStep(ctx, taskID, "Execute Trades")
	r.completeStep(ctx, taskID, "Manage Positions")

	fileURL := fmt.Sprintf("/downloads/%s_trading_report.pdf", taskID)
	r.emitter.SendComplete(ctx, taskID, map[string]any{
		"summary":         "Auto-trading session completed",
		"trades_executed": tradesExecuted,
		"total_profit":    totalProfit,
		"file_url":        fileURL,
	})
	r.markCompleted(ctx, taskID, fileURL)
	return nil
}

// RunForecast walks the forecast step machine and publishes one outlook
// per requested pair.
func (r *Runner) RunForecast(ctx context.Context, raw map[string]any) error {
	args, err := parseArgs(raw)
	if err != nil {
		return err
	}
	taskID := args.TaskID
	if err := r.markRunning(ctx, taskID); err != nil {
		return err
	}

	r.emitter.SendProgress(ctx, taskID, "Collecting Data", 0.2, "Gathering historical price data...")
	rates := r.fx.Rates(ctx)
	r.completeStep(ctx, taskID, "Collect Historical Data")

	r.emitter.SendProgress(ctx, taskID, "Generating Forecasts", 0.5, "AI is analyzing patterns and predicting future movements...")
	r.completeStep(ctx, taskID, "Train AI Model")

	horizon := horizonFromHours(args.HorizonHours)
	forecasts := map[string]any{}
	for _, pair := range args.Pairs {
		r.fx.SeedHistory(pair, synthesizeHistory(rates[pair]))
		forecast, ferr := r.fx.Forecast(ctx, pair, horizon)
		if ferr != nil {
			return r.fail(ctx, taskID, ferr)
		}
		forecasts[pair] = forecast
		r.emitter.SendUpdate(ctx, taskID,
			fmt.Sprintf("%s: Predicted %+.2f%% change in next %dh", pair, forecast.ExpectedMidPct, args.HorizonHours),
			domain.EventInfo, nil, map[string]any{"forecast": forecast})
	}
	r.completeStep(ctx, taskID, "Generate Predictions")

	fileURL := fmt.Sprintf("/downloads/%s_forecasts.pdf", taskID)
	r.emitter.SendComplete(ctx, taskID, map[string]any{
		"summary":   fmt.Sprintf("Forecasts generated for %d pairs", len(args.Pairs)),
		"forecasts": forecasts,
		"file_url":  fileURL,
	})
	r.completeStep(ctx, taskID, "Create Forecast Report")
	r.markCompleted(ctx, taskID, fileURL)
	return nil
}
