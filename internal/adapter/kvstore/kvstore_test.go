package kvstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forexcopilot/internal/config"
)

func testConfig(t *testing.T) (config.Config, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return config.Config{
		KVEnabled:               true,
		KVURL:                   "redis://" + mr.Addr(),
		KVConnectTimeoutSeconds: 2,
		KVSocketTimeoutSeconds:  2,
		KVRetrySeconds:          5,
		WSKVRegistryKey:         "forex:ws:registry",
	}, mr
}

func TestStoreDisabled(t *testing.T) {
	s := New(config.Config{KVEnabled: false})
	ctx := context.Background()
	assert.False(t, s.Enabled())
	assert.False(t, s.EnsureConnected(ctx))
	assert.False(t, s.Push(ctx, "k", map[string]any{"a": 1}))
	assert.Nil(t, s.Pop(ctx, "k", time.Second))
	assert.Zero(t, s.Len(ctx, "k"))
	assert.Empty(t, s.Registry(ctx, ""))
	s.Close()
}

func TestStoreConnectsLazily(t *testing.T) {
	cfg, _ := testConfig(t)
	s := New(cfg)
	defer s.Close()
	assert.False(t, s.Connected())
	require.True(t, s.EnsureConnected(context.Background()))
	assert.True(t, s.Connected())
	// Idempotent while live.
	assert.True(t, s.EnsureConnected(context.Background()))
}

func TestStoreConnectCooldown(t *testing.T) {
	s := New(config.Config{
		KVEnabled:               true,
		KVURL:                   "redis://127.0.0.1:1",
		KVConnectTimeoutSeconds: 0.2,
		KVRetrySeconds:          30,
	})
	defer s.Close()
	ctx := context.Background()
	require.False(t, s.EnsureConnected(ctx))

	// Within the cooldown the second call must not dial again.
	start := time.Now()
	assert.False(t, s.EnsureConnected(ctx))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestAcquireReturnsCachedHandle(t *testing.T) {
	cfg, _ := testConfig(t)
	s := New(cfg)
	defer s.Close()
	ctx := context.Background()

	c1, ok := s.acquire(ctx)
	require.True(t, ok)
	c2, ok := s.acquire(ctx)
	require.True(t, ok)
	assert.Same(t, c1, c2)
}

func TestOpsSurviveConcurrentDrop(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.KVRetrySeconds = 0.01
	s := New(cfg)
	defer s.Close()
	ctx := context.Background()
	require.True(t, s.EnsureConnected(ctx))

	// Each op works on the handle it acquired, so a sibling dropping the
	// client mid-flight yields a clean false, never a nil dereference.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			s.dropOnError()
			time.Sleep(time.Millisecond)
		}
	}()
	for i := 0; i < 200; i++ {
		s.Push(ctx, "k", map[string]any{"i": i})
		s.Len(ctx, "k")
	}
	<-done

	require.Eventually(t, func() bool {
		return s.Push(ctx, "k", map[string]any{"final": true})
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPushPopRoundTrip(t *testing.T) {
	cfg, _ := testConfig(t)
	s := New(cfg)
	defer s.Close()
	ctx := context.Background()

	require.True(t, s.Push(ctx, "forex:task_queue", map[string]any{"handler": "market_analysis", "task_id": "t-1"}))
	require.True(t, s.Push(ctx, "forex:task_queue", map[string]any{"handler": "forecast", "task_id": "t-2"}))
	assert.EqualValues(t, 2, s.Len(ctx, "forex:task_queue"))

	raw := s.Pop(ctx, "forex:task_queue", time.Second)
	require.NotNil(t, raw)
	var job map[string]any
	require.NoError(t, json.Unmarshal(raw, &job))
	assert.Equal(t, "market_analysis", job["handler"])
	assert.Equal(t, "t-1", job["task_id"])
	assert.EqualValues(t, 1, s.Len(ctx, "forex:task_queue"))
}

func TestPopEmptyReturnsNil(t *testing.T) {
	cfg, _ := testConfig(t)
	s := New(cfg)
	defer s.Close()
	assert.Nil(t, s.Pop(context.Background(), "forex:task_queue", time.Second))
}

func TestSessionRegistry(t *testing.T) {
	cfg, _ := testConfig(t)
	s := New(cfg)
	defer s.Close()
	ctx := context.Background()

	require.True(t, s.SetSession(ctx, "c-1", map[string]any{"topic": "task-1", "client_ip": "10.0.0.1"}))
	require.True(t, s.SetSession(ctx, "c-2", map[string]any{"topic": "task-2"}))

	all := s.Registry(ctx, "")
	require.Len(t, all, 2)
	assert.Equal(t, "c-1", all["c-1"]["connection_id"])
	assert.Equal(t, "task-1", all["c-1"]["topic"])

	only := s.Registry(ctx, "task-2")
	require.Len(t, only, 1)
	assert.Contains(t, only, "c-2")

	require.True(t, s.PatchSession(ctx, "c-1", map[string]any{"last_seen": "2026-01-01T00:00:00Z"}))
	patched := s.Registry(ctx, "task-1")
	require.Contains(t, patched, "c-1")
	assert.Equal(t, "2026-01-01T00:00:00Z", patched["c-1"]["last_seen"])
	assert.Equal(t, "10.0.0.1", patched["c-1"]["client_ip"])

	require.True(t, s.RemoveSession(ctx, "c-1"))
	assert.Len(t, s.Registry(ctx, ""), 1)
}

func TestKVRequiredDrivesEnabled(t *testing.T) {
	s := New(config.Config{TaskQueueBackend: "shared", KVURL: "redis://localhost:6379/0"})
	assert.True(t, s.Enabled())
}
