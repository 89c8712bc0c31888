// Package ops assembles operational diagnostics: a cross-subsystem
// snapshot, threshold alerts with latched webhook transitions, a
// readiness report and a Prometheus text rendering.
package ops

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"forexcopilot/internal/adapter/notify"
	"forexcopilot/internal/config"
)

// QueueStats exposes the queue's operational snapshot.
type QueueStats interface {
	Stats(ctx context.Context) map[string]any
}

// SessionRegistry exposes websocket session diagnostics.
type SessionRegistry interface {
	RegistrySnapshot(ctx context.Context, topic string) map[string]map[string]any
	ConnectionCount(topic string) int
	TopicCounts() map[string]int
}

// StreamInfo exposes the forex stream lifecycle.
type StreamInfo interface {
	Running() bool
	Interval() time.Duration
}

// ForexStats exposes the rate service runtime counters.
type ForexStats interface {
	RuntimeStats() map[string]any
}

// KVStatus exposes shared store health for readiness checks.
type KVStatus interface {
	Enabled() bool
	EnsureConnected(ctx context.Context) bool
}

// Notifier delivers alert transitions.
type Notifier interface {
	Emit(ctx context.Context, eventType string, alert notify.Alert)
}

// Snapshot is the per-subsystem diagnostic view.
type Snapshot struct {
	Queue     map[string]any
	WebSocket map[string]any
	Forex     map[string]any
}

// Engine evaluates the snapshot against configured thresholds.
type Engine struct {
	cfg      config.Config
	queue    QueueStats
	sessions SessionRegistry
	stream   StreamInfo
	forex    ForexStats
	kv       KVStatus
	notifier Notifier
	now      func() time.Time

	mu    sync.Mutex
	latch map[string]notify.Alert
}

// New wires an engine over the live subsystems.
func New(cfg config.Config, q QueueStats, sessions SessionRegistry, stream StreamInfo, fx ForexStats, kv KVStatus, notifier Notifier) *Engine {
	return &Engine{
		cfg:      cfg,
		queue:    q,
		sessions: sessions,
		stream:   stream,
		forex:    fx,
		kv:       kv,
		notifier: notifier,
		now:      time.Now,
		latch:    map[string]notify.Alert{},
	}
}

func atLeast(v, minimum, fallback int) int {
	if v >= minimum {
		return v
	}
	return fallback
}

func (e *Engine) staleAfterSeconds() int {
	return atLeast(e.cfg.OpsAlertWSStaleSeconds, 10, 120)
}

// Collect gathers the live snapshot of every subsystem.
func (e *Engine) Collect(ctx context.Context) Snapshot {
	registry := e.sessions.RegistrySnapshot(ctx, "")
	staleAfter := e.staleAfterSeconds()

	topics := make([]string, 0)
	for topic := range e.sessions.TopicCounts() {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	return Snapshot{
		Queue: e.queue.Stats(ctx),
		WebSocket: map[string]any{
			"total_connections":             e.sessions.ConnectionCount(""),
			"tasks":                         topics,
			"registry_size":                 len(registry),
			"registry":                      registry,
			"stale_after_seconds":           staleAfter,
			"stale_connections":             countStale(registry, time.Duration(staleAfter)*time.Second, e.now()),
			"forex_stream_running":          e.stream.Running(),
			"forex_stream_interval_seconds": int(e.stream.Interval().Seconds()),
		},
		Forex: e.forex.RuntimeStats(),
	}
}

// countStale counts registry entries whose last_seen is older than the
// window. Entries without a parseable timestamp are skipped.
func countStale(registry map[string]map[string]any, staleAfter time.Duration, now time.Time) int {
	stale := 0
	for _, meta := range registry {
		raw, _ := meta["last_seen"].(string)
		if raw == "" {
			continue
		}
		lastSeen, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			continue
		}
		if now.Sub(lastSeen) >= staleAfter {
			stale++
		}
	}
	return stale
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

// BuildAlerts evaluates the snapshot against the configured thresholds.
func (e *Engine) BuildAlerts(snapshot Snapshot) []notify.Alert {
	queueWarn := atLeast(e.cfg.OpsAlertQueueDepthWarn, 1, 80)
	queueCrit := atLeast(e.cfg.OpsAlertQueueDepthCrit, 1, 150)
	failedWarn := atLeast(e.cfg.OpsAlertQueueFailedWarn, 1, 1)
	staleWarn := atLeast(e.cfg.OpsAlertWSStaleCountWarn, 1, 1)
	streakWarn := atLeast(e.cfg.OpsAlertForexFailureStreakWarn, 1, 3)
	retryWarn := atLeast(e.cfg.OpsAlertForexRetryWarnSeconds, 1, 20)

	var alerts []notify.Alert

	queueSize := asInt(snapshot.Queue["queue_size"])
	switch {
	case queueSize >= queueCrit:
		alerts = append(alerts, notify.Alert{
			ID:        "queue_depth_critical",
			Severity:  "critical",
			Message:   "Task queue depth is critical",
			Value:     float64(queueSize),
			Threshold: float64(queueCrit),
		})
	case queueSize >= queueWarn:
		alerts = append(alerts, notify.Alert{
			ID:        "queue_depth_warning",
			Severity:  "warning",
			Message:   "Task queue depth is high",
			Value:     float64(queueSize),
			Threshold: float64(queueWarn),
		})
	}

	if failed := asInt(snapshot.Queue["failed"]); failed >= failedWarn {
		alerts = append(alerts, notify.Alert{
			ID:        "queue_failed_tasks",
			Severity:  "warning",
			Message:   "Queue has failed tasks",
			Value:     float64(failed),
			Threshold: float64(failedWarn),
		})
	}

	if stale := asInt(snapshot.WebSocket["stale_connections"]); stale >= staleWarn {
		alerts = append(alerts, notify.Alert{
			ID:        "websocket_stale_connections",
			Severity:  "warning",
			Message:   "Stale websocket connections detected",
			Value:     float64(stale),
			Threshold: float64(staleWarn),
		})
	}

	if streak := asInt(snapshot.Forex["rate_failure_streak"]); streak >= streakWarn {
		alerts = append(alerts, notify.Alert{
			ID:        "forex_rate_failure_streak",
			Severity:  "warning",
			Message:   "Forex rate source failure streak elevated",
			Value:     float64(streak),
			Threshold: float64(streakWarn),
		})
	}

	if retryIn := asFloat(snapshot.Forex["next_rates_retry_in_seconds"]); retryIn >= float64(retryWarn) {
		alerts = append(alerts, notify.Alert{
			ID:        "forex_retry_backoff_high",
			Severity:  "warning",
			Message:   "Forex retry backoff is high",
			Value:     math.Round(retryIn*1000) / 1000,
			Threshold: float64(retryWarn),
		})
	}

	return alerts
}

// EmitHooks latches alert transitions: a newly seen id fires a
// "triggered" webhook, a vanished id fires "resolved" with its last
// known shape.
func (e *Engine) EmitHooks(ctx context.Context, alerts []notify.Alert) {
	if !e.cfg.OpsAlertHooksEnabled {
		return
	}
	active := map[string]struct{}{}

	e.mu.Lock()
	var triggered []notify.Alert
	for _, alert := range alerts {
		active[alert.ID] = struct{}{}
		if _, seen := e.latch[alert.ID]; !seen {
			triggered = append(triggered, alert)
		}
		e.latch[alert.ID] = alert
	}
	var resolved []notify.Alert
	for id, previous := range e.latch {
		if _, ok := active[id]; !ok {
			resolved = append(resolved, previous)
			delete(e.latch, id)
		}
	}
	e.mu.Unlock()

	for _, alert := range triggered {
		slog.Warn("ops alert triggered",
			slog.String("id", alert.ID),
			slog.String("severity", alert.Severity),
			slog.Float64("value", alert.Value),
			slog.Float64("threshold", alert.Threshold))
		if e.notifier != nil {
			e.notifier.Emit(ctx, "triggered", alert)
		}
	}
	for _, alert := range resolved {
		slog.Info("ops alert resolved", slog.String("id", alert.ID))
		if e.notifier != nil {
			e.notifier.Emit(ctx, "resolved", alert)
		}
	}
}

func summarize(alerts []notify.Alert) map[string]int {
	summary := map[string]int{"critical": 0, "warning": 0, "info": 0}
	for _, alert := range alerts {
		severity := strings.ToLower(alert.Severity)
		if _, ok := summary[severity]; !ok {
			severity = "info"
		}
		summary[severity]++
	}
	return summary
}

// Status returns the full diagnostic document served by the ops surface.
func (e *Engine) Status(ctx context.Context) map[string]any {
	snapshot := e.Collect(ctx)
	alerts := e.BuildAlerts(snapshot)
	e.EmitHooks(ctx, alerts)
	summary := summarize(alerts)
	return map[string]any{
		"timestamp": e.now().UTC().Format(time.RFC3339),
		"queue":     snapshot.Queue,
		"websocket": snapshot.WebSocket,
		"forex":     snapshot.Forex,
		"alerts":    alertMaps(alerts),
		"alert_summary": map[string]any{
			"total":    len(alerts),
			"critical": summary["critical"],
			"warning":  summary["warning"],
			"info":     summary["info"],
		},
	}
}

// Alerts returns only the active alert list.
func (e *Engine) Alerts(ctx context.Context) map[string]any {
	snapshot := e.Collect(ctx)
	alerts := e.BuildAlerts(snapshot)
	e.EmitHooks(ctx, alerts)
	return map[string]any{
		"timestamp": e.now().UTC().Format(time.RFC3339),
		"alerts":    alertMaps(alerts),
		"total":     len(alerts),
	}
}

func alertMaps(alerts []notify.Alert) []map[string]any {
	out := make([]map[string]any, 0, len(alerts))
	for _, alert := range alerts {
		out = append(out, map[string]any{
			"id":        alert.ID,
			"severity":  alert.Severity,
			"message":   alert.Message,
			"value":     alert.Value,
			"threshold": alert.Threshold,
		})
	}
	return out
}

// Readiness reports whether the critical runtime dependencies are up.
func (e *Engine) Readiness(ctx context.Context) map[string]any {
	queueRequired := e.cfg.TaskQueueEnabled
	queueOK := true
	if queueRequired {
		started, _ := e.queue.Stats(ctx)["started"].(bool)
		queueOK = started
	}
	kvRequired := e.kv != nil && e.kv.Enabled()
	kvOK := true
	var kvConnected bool
	if e.kv != nil {
		kvConnected = e.kv.EnsureConnected(ctx)
	}
	if kvRequired {
		kvOK = kvConnected
	}

	checks := map[string]any{
		"queue": map[string]any{
			"required": queueRequired,
			"ok":       queueOK,
		},
		"kvstore": map[string]any{
			"required":  kvRequired,
			"ok":        kvOK,
			"connected": kvConnected,
		},
		"websocket_manager": map[string]any{
			"required":             true,
			"ok":                   true,
			"forex_stream_running": e.stream.Running(),
		},
	}
	return map[string]any{
		"ready":     queueOK && kvOK,
		"timestamp": e.now().UTC().Format(time.RFC3339),
		"checks":    checks,
	}
}

// PrometheusText renders the subsystem gauges in exposition format.
func (e *Engine) PrometheusText(snapshot Snapshot, alerts []notify.Alert) string {
	var b strings.Builder
	gauge := func(name, help string, value string) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %s\n", name, help, name, name, value)
	}
	counter := func(name, help string, value int) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, value)
	}

	started := 0
	if ok, _ := snapshot.Queue["started"].(bool); ok {
		started = 1
	}
	gauge("forex_backend_queue_started", "Queue service started (1=true,0=false)", strconv.Itoa(started))
	gauge("forex_backend_queue_size", "Current task queue size", strconv.Itoa(asInt(snapshot.Queue["queue_size"])))
	counter("forex_backend_queue_enqueued_total", "Total enqueued tasks", asInt(snapshot.Queue["enqueued"]))
	counter("forex_backend_queue_completed_total", "Total completed queued tasks", asInt(snapshot.Queue["completed"]))
	counter("forex_backend_queue_failed_total", "Total failed queued tasks", asInt(snapshot.Queue["failed"]))
	gauge("forex_backend_websocket_connections_total", "Total active websocket connections", strconv.Itoa(asInt(snapshot.WebSocket["total_connections"])))
	gauge("forex_backend_websocket_registry_size", "Total tracked websocket connections in registry", strconv.Itoa(asInt(snapshot.WebSocket["registry_size"])))
	gauge("forex_backend_websocket_stale_connections", "Total stale websocket connections", strconv.Itoa(asInt(snapshot.WebSocket["stale_connections"])))
	gauge("forex_backend_forex_rate_failure_streak", "Consecutive forex rate source failures", strconv.Itoa(asInt(snapshot.Forex["rate_failure_streak"])))
	gauge("forex_backend_forex_retry_backoff_seconds", "Current forex retry backoff seconds", strconv.FormatFloat(asFloat(snapshot.Forex["next_rates_retry_in_seconds"]), 'f', -1, 64))

	summary := summarize(alerts)
	b.WriteString("# HELP forex_backend_alerts_total Active ops alerts grouped by severity\n")
	b.WriteString("# TYPE forex_backend_alerts_total gauge\n")
	for _, severity := range []string{"critical", "warning", "info"} {
		fmt.Fprintf(&b, "forex_backend_alerts_total{severity=%q} %d\n", severity, summary[severity])
	}
	return b.String()
}

// MetricsContentType is the exposition format content type.
const MetricsContentType = "text/plain; version=0.0.4; charset=utf-8"
