// Command server starts the forex copilot backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"forexcopilot/internal/adapter/forex"
	"forexcopilot/internal/adapter/httpserver"
	"forexcopilot/internal/adapter/kvstore"
	"forexcopilot/internal/adapter/notify"
	"forexcopilot/internal/adapter/queue"
	"forexcopilot/internal/adapter/taskstore"
	"forexcopilot/internal/adapter/ws"
	"forexcopilot/internal/app"
	"forexcopilot/internal/config"
	"forexcopilot/internal/observability"
	"forexcopilot/internal/ops"
	"forexcopilot/internal/taskrunner"
	"forexcopilot/internal/usecase"
)

const opsEvalInterval = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared store gateway; every consumer degrades gracefully when it is
	// disabled or unreachable.
	kv := kvstore.New(cfg)

	fx := forex.NewService(cfg)
	store := taskstore.New()

	manager := ws.NewManager(cfg, kv)
	streamer := ws.NewStreamer(cfg, manager, fx)

	q := queue.New(cfg, kv)
	runner := taskrunner.NewRunner(store, manager, fx)
	runner.Register(q)
	if cfg.TaskQueueEnabled {
		q.Start(ctx)
	}

	manager.StartHeartbeat(ctx)
	if cfg.ForexStreamEnabled {
		streamer.Start(ctx, cfg.ForexStreamInterval())
	}

	webhook := notify.NewWebhook(cfg)
	opsEngine := ops.New(cfg, q, manager, streamer, fx, kv, webhook)
	go runOpsLoop(ctx, opsEngine)

	tasks := usecase.NewTaskService(store, q, manager)
	verifier := httpserver.NewJWTVerifier(cfg.AuthJWTSecret)
	stats := httpserver.NewStatsCollector()
	srv := httpserver.NewServer(cfg, tasks, fx, manager, streamer, opsEngine, stats)
	handler := app.BuildRouter(cfg, srv, verifier, stats)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancelShutdown()
	_ = srvHTTP.Shutdown(shutdownCtx)

	// Teardown order: sessions first so no frames race the queue drain,
	// then workers, then the shared store connection.
	cancel()
	streamer.Stop()
	manager.Shutdown()
	q.Stop()
	kv.Close()
	slog.Info("shutdown complete")
}

// runOpsLoop periodically evaluates alert thresholds so webhook
// transitions fire without anyone polling the ops endpoints.
func runOpsLoop(ctx context.Context, engine *ops.Engine) {
	ticker := time.NewTicker(opsEvalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := engine.Collect(ctx)
			engine.EmitHooks(ctx, engine.BuildAlerts(snapshot))
		}
	}
}
