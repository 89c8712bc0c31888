package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forexcopilot/internal/adapter/kvstore"
	"forexcopilot/internal/config"
	"forexcopilot/internal/domain"
)

func memoryConfig() config.Config {
	return config.Config{
		TaskQueueBackend:      "memory",
		TaskQueueWorkers:      2,
		TaskQueueMaxSize:      4,
		TaskQueueKey:          "forex:task_queue",
		TaskQueueBlockSeconds: 1,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestEnqueueRequiresStart(t *testing.T) {
	q := New(memoryConfig(), nil)
	q.Register("noop", func(context.Context, map[string]any) error { return nil })
	err := q.Enqueue(context.Background(), "noop", nil)
	require.Error(t, err)
}

func TestEnqueueRequiresRegisteredHandler(t *testing.T) {
	q := New(memoryConfig(), nil)
	q.Start(context.Background())
	defer q.Stop()
	err := q.Enqueue(context.Background(), "missing", nil)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestMemoryBackendRunsJobs(t *testing.T) {
	q := New(memoryConfig(), nil)
	var ran atomic.Int64
	q.Register("count", func(_ context.Context, args map[string]any) error {
		ran.Add(1)
		return nil
	})
	q.Start(context.Background())
	defer q.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(context.Background(), "count", map[string]any{"i": i}))
	}
	waitFor(t, func() bool { return ran.Load() == 3 })

	stats := q.Stats(context.Background())
	assert.Equal(t, "memory", stats["backend"])
	assert.EqualValues(t, 3, stats["enqueued"])
	assert.EqualValues(t, 3, stats["completed"])
	assert.EqualValues(t, 0, stats["failed"])
	assert.Equal(t, []string{"count"}, stats["registered_handlers"])
}

func TestMemoryBackendRejectsWhenFull(t *testing.T) {
	cfg := memoryConfig()
	cfg.TaskQueueWorkers = 1
	cfg.TaskQueueMaxSize = 1
	q := New(cfg, nil)
	block := make(chan struct{})
	q.Register("block", func(context.Context, map[string]any) error {
		<-block
		return nil
	})
	q.Start(context.Background())
	defer func() {
		close(block)
		q.Stop()
	}()

	// First job occupies the worker, second fills the buffer.
	require.NoError(t, q.Enqueue(context.Background(), "block", nil))
	waitFor(t, func() bool { return q.Size(context.Background()) == 0 })
	require.NoError(t, q.Enqueue(context.Background(), "block", nil))
	err := q.Enqueue(context.Background(), "block", nil)
	require.ErrorIs(t, err, domain.ErrQueueFull)
}

func TestStopDrainsPendingJobs(t *testing.T) {
	cfg := memoryConfig()
	cfg.TaskQueueWorkers = 1
	cfg.TaskQueueMaxSize = 8
	q := New(cfg, nil)

	release := make(chan struct{})
	holding := make(chan struct{})
	var ran atomic.Int64
	q.Register("hold", func(context.Context, map[string]any) error {
		close(holding)
		<-release
		return nil
	})
	q.Register("count", func(context.Context, map[string]any) error {
		ran.Add(1)
		return nil
	})
	q.Start(context.Background())

	// One job occupies the single worker, five more sit in the buffer.
	require.NoError(t, q.Enqueue(context.Background(), "hold", nil))
	<-holding
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(context.Background(), "count", nil))
	}

	stopped := make(chan struct{})
	go func() {
		q.Stop()
		close(stopped)
	}()
	close(release)

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.EqualValues(t, 5, ran.Load(), "jobs accepted before Stop all execute")

	err := q.Enqueue(context.Background(), "count", nil)
	require.Error(t, err, "stopped queue refuses new jobs")
}

func TestHandlerErrorAndPanicCountAsFailed(t *testing.T) {
	q := New(memoryConfig(), nil)
	q.Register("boom", func(context.Context, map[string]any) error { return errors.New("boom") })
	q.Register("panic", func(context.Context, map[string]any) error { panic("nope") })
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(context.Background(), "boom", nil))
	require.NoError(t, q.Enqueue(context.Background(), "panic", nil))
	waitFor(t, func() bool { return q.Failed() == 2 })
}

func TestSharedBackendRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.TaskQueueBackend = "shared"
	cfg.KVEnabled = true
	cfg.KVURL = "redis://" + mr.Addr()
	cfg.KVConnectTimeoutSeconds = 2
	cfg.KVSocketTimeoutSeconds = 2
	kv := kvstore.New(cfg)
	defer kv.Close()

	q := New(cfg, kv)
	var got atomic.Value
	q.Register("analyze", func(_ context.Context, args map[string]any) error {
		got.Store(args["task_id"])
		return nil
	})
	q.Start(context.Background())
	defer q.Stop()

	stats := q.Stats(context.Background())
	require.Equal(t, "shared", stats["backend"])
	assert.Equal(t, "forex:task_queue", stats["kv_queue_key"])

	require.NoError(t, q.Enqueue(context.Background(), "analyze", map[string]any{"task_id": "t-9"}))
	waitFor(t, func() bool { return got.Load() == "t-9" })
}

func TestSharedBackendFallsBackToMemory(t *testing.T) {
	cfg := memoryConfig()
	cfg.TaskQueueBackend = "shared"
	cfg.KVEnabled = true
	cfg.KVURL = "redis://127.0.0.1:1"
	cfg.KVConnectTimeoutSeconds = 0.2
	kv := kvstore.New(cfg)
	defer kv.Close()

	q := New(cfg, kv)
	var ran atomic.Bool
	q.Register("noop", func(context.Context, map[string]any) error {
		ran.Store(true)
		return nil
	})
	q.Start(context.Background())
	defer q.Stop()

	stats := q.Stats(context.Background())
	assert.Equal(t, "shared", stats["backend_requested"])
	assert.Equal(t, "memory", stats["backend"])

	require.NoError(t, q.Enqueue(context.Background(), "noop", nil))
	waitFor(t, func() bool { return ran.Load() })
}
