// Package notify delivers ops alert transitions to an external webhook.
//
// Discord and Slack get their native one-line body; any other endpoint
// receives the full structured payload. Delivery is best-effort: failures
// are logged and swallowed so alerting never disturbs request serving.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"forexcopilot/internal/config"
)

// Alert is one active threshold breach.
type Alert struct {
	ID        string  `json:"id"`
	Severity  string  `json:"severity"`
	Message   string  `json:"message"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Webhook posts alert transitions to the configured URL.
type Webhook struct {
	url         string
	provider    string
	minSeverity string
	authHeader  string
	authValue   string
	client      *http.Client
	now         func() time.Time
}

// NewWebhook builds a notifier; with no URL configured every Emit is a no-op.
func NewWebhook(cfg config.Config) *Webhook {
	timeout := time.Duration(cfg.OpsAlertWebhookTimeoutSeconds * float64(time.Second))
	if timeout < 100*time.Millisecond {
		timeout = 5 * time.Second
	}
	minSeverity := strings.ToLower(strings.TrimSpace(cfg.OpsAlertWebhookMinSeverity))
	if minSeverity == "" {
		minSeverity = "warning"
	}
	return &Webhook{
		url:         strings.TrimSpace(cfg.OpsAlertWebhookURL),
		provider:    strings.ToLower(strings.TrimSpace(cfg.OpsAlertWebhookProvider)),
		minSeverity: minSeverity,
		authHeader:  strings.TrimSpace(cfg.OpsAlertWebhookAuthHeader),
		authValue:   strings.TrimSpace(cfg.OpsAlertWebhookAuthValue),
		client:      &http.Client{Timeout: timeout},
		now:         time.Now,
	}
}

// SeverityRank orders severities for threshold comparison. Unknown
// severities rank as info.
func SeverityRank(severity string) int {
	switch strings.ToLower(severity) {
	case "critical":
		return 3
	case "warning":
		return 2
	default:
		return 1
	}
}

// Provider resolves the webhook dialect: the explicit configuration wins,
// otherwise the URL shape decides.
func (w *Webhook) Provider() string {
	if w.provider != "" && w.provider != "auto" {
		return w.provider
	}
	lowered := strings.ToLower(w.url)
	if strings.Contains(lowered, "discord.com/api/webhooks") || strings.Contains(lowered, "discordapp.com/api/webhooks") {
		return "discord"
	}
	if strings.Contains(lowered, "hooks.slack.com") {
		return "slack"
	}
	return "generic"
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (w *Webhook) buildPayload(eventType string, alert Alert) map[string]any {
	severity := strings.ToLower(alert.Severity)
	if severity == "" {
		severity = "info"
	}
	id := alert.ID
	if id == "" {
		id = "unknown"
	}
	title := alert.Message
	if title == "" {
		title = id
	}
	text := fmt.Sprintf("[OPS_ALERT_%s] %s %s: %s (value=%s, threshold=%s)",
		strings.ToUpper(eventType), strings.ToUpper(severity), id, title,
		formatNumber(alert.Value), formatNumber(alert.Threshold))
	return map[string]any{
		"event":      "ops_alert",
		"event_type": eventType,
		"id":         id,
		"severity":   severity,
		"message":    title,
		"value":      alert.Value,
		"threshold":  alert.Threshold,
		"timestamp":  w.now().UTC().Format(time.RFC3339),
		"text":       text,
	}
}

// Emit posts one alert transition ("triggered" or "resolved"). Alerts
// below the configured minimum severity are skipped.
func (w *Webhook) Emit(ctx context.Context, eventType string, alert Alert) {
	if w.url == "" {
		return
	}
	if SeverityRank(alert.Severity) < SeverityRank(w.minSeverity) {
		return
	}

	provider := w.Provider()
	payload := w.buildPayload(eventType, alert)
	var body map[string]any
	switch provider {
	case "discord":
		body = map[string]any{"content": payload["text"]}
	case "slack":
		body = map[string]any{"text": payload["text"]}
	default:
		body = payload
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return
	}

	// Transient delivery failures get a couple of quick retries before
	// the alert is dropped.
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
	), maxDeliveryRetries), ctx)
	err = backoff.Retry(func() error {
		return w.post(ctx, raw)
	}, policy)
	if err != nil {
		slog.Warn("ops alert webhook failed",
			slog.String("provider", provider),
			slog.String("id", alert.ID),
			slog.Any("error", err))
	}
}

const maxDeliveryRetries = 2

func (w *Webhook) post(ctx context.Context, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(raw))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.authHeader != "" && w.authValue != "" {
		req.Header.Set(w.authHeader, w.authValue)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("op=notify.post: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return backoff.Permanent(fmt.Errorf("op=notify.post: status %d", resp.StatusCode))
	}
	return nil
}
