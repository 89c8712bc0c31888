package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"forexcopilot/internal/adapter/forex"
	"forexcopilot/internal/config"
)

const minStreamInterval = 2 * time.Second

// Streamer pushes live market snapshots to every connected session on a
// fixed cadence. With no sessions attached it idles without fetching.
type Streamer struct {
	manager *Manager
	svc     *forex.Service

	mu       sync.Mutex
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewStreamer builds a stopped streamer with the configured cadence.
func NewStreamer(cfg config.Config, manager *Manager, svc *forex.Service) *Streamer {
	return &Streamer{
		manager:  manager,
		svc:      svc,
		interval: cfg.ForexStreamInterval(),
	}
}

// Start launches the broadcast loop. A second start with the same
// interval is a no-op; a different interval restarts the loop.
func (st *Streamer) Start(ctx context.Context, interval time.Duration) {
	if interval < minStreamInterval {
		interval = minStreamInterval
	}
	st.mu.Lock()
	if st.cancel != nil {
		if interval == st.interval {
			st.mu.Unlock()
			return
		}
		st.stopLocked()
	}
	st.interval = interval
	runCtx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel
	done := make(chan struct{})
	st.done = done
	st.mu.Unlock()

	go st.run(runCtx, interval, done)
	slog.Info("forex stream started", slog.Duration("interval", interval))
}

// Stop halts the broadcast loop and waits for it to exit.
func (st *Streamer) Stop() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.stopLocked()
}

func (st *Streamer) stopLocked() {
	if st.cancel == nil {
		return
	}
	st.cancel()
	<-st.done
	st.cancel = nil
	st.done = nil
	slog.Info("forex stream stopped")
}

// Running reports whether the broadcast loop is live.
func (st *Streamer) Running() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cancel != nil
}

// Interval returns the active cadence.
func (st *Streamer) Interval() time.Duration {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.interval
}

func (st *Streamer) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Idle without touching the upstream when nobody listens.
			if st.manager.ConnectionCount("") == 0 {
				continue
			}
			st.broadcastOnce(ctx)
		}
	}
}

func (st *Streamer) broadcastOnce(ctx context.Context) {
	rates := st.svc.Rates(ctx)
	news := st.svc.News()
	if len(news) > 3 {
		news = news[:3]
	}
	sentiment := st.svc.Sentiment(ctx)
	st.manager.SendForexUpdate(ctx, map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"rates":     rates,
		"news":      news,
		"sentiment": sentiment,
		"type":      "live_update",
	})
}
