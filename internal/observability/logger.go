package observability

import (
	"log/slog"
	"os"

	"forexcopilot/internal/config"
)

// SetupLogger builds the process-wide JSON slog logger. Dev runs at
// debug level; everywhere else stays at info. Service and env fields
// ride on every record so fan-out and queue logs correlate.
func SetupLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.IsDev() {
		level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With(
		slog.String("service", cfg.ServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
