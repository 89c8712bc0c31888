// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"dev"`
	Port        int    `env:"PORT" envDefault:"8080"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"forex-copilot"`

	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// WebSocket / streaming
	ForexStreamEnabled         bool   `env:"FOREX_STREAM_ENABLED" envDefault:"false"`
	ForexStreamIntervalSeconds int    `env:"FOREX_STREAM_INTERVAL" envDefault:"10"`
	WSHeartbeatIntervalSeconds int    `env:"WS_HEARTBEAT_INTERVAL" envDefault:"10"`
	WSHeartbeatTimeoutSeconds  int    `env:"WS_HEARTBEAT_TIMEOUT" envDefault:"40"`
	WSKVRegistryEnabled        bool   `env:"WS_KV_REGISTRY_ENABLED" envDefault:"false"`
	WSKVRegistryKey            string `env:"WS_KV_REGISTRY_KEY" envDefault:"forex:ws:registry"`

	// Task queue
	TaskQueueEnabled      bool   `env:"TASK_QUEUE_ENABLED" envDefault:"true"`
	TaskQueueBackend      string `env:"TASK_QUEUE_BACKEND" envDefault:"memory"`
	TaskQueueWorkers      int    `env:"TASK_QUEUE_WORKERS" envDefault:"2"`
	TaskQueueMaxSize      int    `env:"TASK_QUEUE_MAX_SIZE" envDefault:"200"`
	TaskQueueKey          string `env:"TASK_QUEUE_KEY" envDefault:"forex:task_queue"`
	TaskQueueBlockSeconds int    `env:"TASK_QUEUE_BLOCK_SECONDS" envDefault:"1"`

	// Shared key-value store
	KVEnabled               bool    `env:"KV_ENABLED" envDefault:"false"`
	KVURL                   string  `env:"KV_URL" envDefault:"redis://localhost:6379/0"`
	KVConnectTimeoutSeconds float64 `env:"KV_CONNECT_TIMEOUT_SECONDS" envDefault:"2"`
	KVSocketTimeoutSeconds  float64 `env:"KV_SOCKET_TIMEOUT_SECONDS" envDefault:"2"`
	KVRetrySeconds          float64 `env:"KV_RETRY_SECONDS" envDefault:"5"`

	// Rate limiting
	RateLimitEnabled           bool `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimitMax               int  `env:"RATE_LIMIT_MAX" envDefault:"120"`
	RateLimitWindowSeconds     int  `env:"RATE_LIMIT_WINDOW_SECONDS" envDefault:"60"`
	AuthRateLimitEnabled       bool `env:"AUTH_RATE_LIMIT_ENABLED" envDefault:"true"`
	AuthRateLimitMax           int  `env:"AUTH_RATE_LIMIT_MAX" envDefault:"10"`
	AuthRateLimitWindowSeconds int  `env:"AUTH_RATE_LIMIT_WINDOW_SECONDS" envDefault:"300"`

	// Security
	CORSOrigins         []string `env:"CORS_ORIGINS" envSeparator:","`
	CORSAllowAll        bool     `env:"CORS_ALLOW_ALL" envDefault:"false"`
	CORSMaxAgeSeconds   int      `env:"CORS_MAX_AGE_SECONDS" envDefault:"86400"`
	AllowedHosts        []string `env:"ALLOWED_HOSTS" envSeparator:","`
	EnableCSP           bool     `env:"ENABLE_CSP" envDefault:"true"`
	EnableHSTS          bool     `env:"ENABLE_HSTS" envDefault:"true"`
	MaxRequestBodyBytes int64    `env:"MAX_REQUEST_BODY_BYTES" envDefault:"1048576"`
	AuthJWTSecret       string   `env:"AUTH_JWT_SECRET"`

	// Forex upstream
	ForexAPIURL                  string  `env:"FOREX_API_URL" envDefault:"https://api.exchangerate-api.com/v4/latest/USD"`
	ForexMinFetchIntervalSeconds float64 `env:"FOREX_MIN_FETCH_INTERVAL_SECONDS" envDefault:"3"`

	// Ops alerting
	OpsAlertQueueDepthWarn         int     `env:"OPS_ALERT_QUEUE_DEPTH_WARN" envDefault:"80"`
	OpsAlertQueueDepthCrit         int     `env:"OPS_ALERT_QUEUE_DEPTH_CRIT" envDefault:"150"`
	OpsAlertQueueFailedWarn        int     `env:"OPS_ALERT_QUEUE_FAILED_WARN" envDefault:"1"`
	OpsAlertWSStaleSeconds         int     `env:"OPS_ALERT_WS_STALE_SECONDS" envDefault:"120"`
	OpsAlertWSStaleCountWarn       int     `env:"OPS_ALERT_WS_STALE_COUNT_WARN" envDefault:"1"`
	OpsAlertForexFailureStreakWarn int     `env:"OPS_ALERT_FOREX_FAILURE_STREAK_WARN" envDefault:"3"`
	OpsAlertForexRetryWarnSeconds  int     `env:"OPS_ALERT_FOREX_RETRY_WARN_SECONDS" envDefault:"20"`
	OpsAlertHooksEnabled           bool    `env:"OPS_ALERT_HOOKS_ENABLED" envDefault:"true"`
	OpsAlertWebhookURL             string  `env:"OPS_ALERT_WEBHOOK_URL"`
	OpsAlertWebhookProvider        string  `env:"OPS_ALERT_WEBHOOK_PROVIDER" envDefault:"auto"`
	OpsAlertWebhookMinSeverity     string  `env:"OPS_ALERT_WEBHOOK_MIN_SEVERITY" envDefault:"warning"`
	OpsAlertWebhookTimeoutSeconds  float64 `env:"OPS_ALERT_WEBHOOK_TIMEOUT_SECONDS" envDefault:"5"`
	OpsAlertWebhookAuthHeader      string  `env:"OPS_ALERT_WEBHOOK_AUTH_HEADER"`
	OpsAlertWebhookAuthValue       string  `env:"OPS_ALERT_WEBHOOK_AUTH_VALUE"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// KVRequired reports whether any subsystem asks for the shared store.
func (c Config) KVRequired() bool {
	if c.KVEnabled {
		return true
	}
	if strings.ToLower(strings.TrimSpace(c.TaskQueueBackend)) == "shared" {
		return true
	}
	return c.WSKVRegistryEnabled
}

// ForexStreamInterval returns the broadcast cadence, clamped to >= 2s.
func (c Config) ForexStreamInterval() time.Duration {
	if c.ForexStreamIntervalSeconds < 2 {
		return 2 * time.Second
	}
	return time.Duration(c.ForexStreamIntervalSeconds) * time.Second
}

// HeartbeatInterval returns how often a session is pinged.
func (c Config) HeartbeatInterval() time.Duration {
	if c.WSHeartbeatIntervalSeconds < 1 {
		return 10 * time.Second
	}
	return time.Duration(c.WSHeartbeatIntervalSeconds) * time.Second
}

// HeartbeatTimeout returns how long a silent session survives. Defaults to
// four heartbeat intervals when unset or below one interval.
func (c Config) HeartbeatTimeout() time.Duration {
	timeout := time.Duration(c.WSHeartbeatTimeoutSeconds) * time.Second
	if timeout < c.HeartbeatInterval() {
		return 4 * c.HeartbeatInterval()
	}
	return timeout
}

// Validate enforces fatal startup rules. Production refuses wildcard CORS,
// localhost origins and plain-HTTP origins.
func (c Config) Validate() error {
	if !c.IsProd() {
		return nil
	}
	if c.CORSAllowAll {
		return fmt.Errorf("op=config.Validate: CORS_ALLOW_ALL is not permitted in production")
	}
	for _, origin := range c.CORSOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		u, err := url.Parse(origin)
		if err != nil {
			return fmt.Errorf("op=config.Validate: invalid CORS origin %q: %w", origin, err)
		}
		host := strings.ToLower(u.Hostname())
		if host == "localhost" || host == "127.0.0.1" {
			return fmt.Errorf("op=config.Validate: CORS_ORIGINS must not include localhost in production")
		}
		if strings.ToLower(u.Scheme) != "https" {
			return fmt.Errorf("op=config.Validate: CORS origin must use HTTPS in production: %s", origin)
		}
	}
	return nil
}
