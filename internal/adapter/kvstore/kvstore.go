// Package kvstore is the optional shared key-value store gateway.
//
// The store is Redis behind a lazy, health-checked connection: lists carry
// queue jobs, a hash mirrors the websocket session registry. Every
// operation degrades to a boolean/nil sentinel on connection loss so
// callers never see a transport error, and a cooldown window prevents
// connection storms against a dead server.
package kvstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"forexcopilot/internal/config"
)

// Store wraps an optional Redis client with cooldown-gated reconnects.
type Store struct {
	url            string
	enabled        bool
	registryKey    string
	connectTimeout time.Duration
	socketTimeout  time.Duration
	retryAfter     time.Duration

	mu          sync.Mutex
	client      *redis.Client
	nextAttempt time.Time
}

// New builds a gateway from configuration. The connection is not opened
// here; the first EnsureConnected does that.
func New(cfg config.Config) *Store {
	return &Store{
		url:            cfg.KVURL,
		enabled:        cfg.KVRequired(),
		registryKey:    cfg.WSKVRegistryKey,
		connectTimeout: secondsToDuration(cfg.KVConnectTimeoutSeconds, 2*time.Second),
		socketTimeout:  secondsToDuration(cfg.KVSocketTimeoutSeconds, 2*time.Second),
		retryAfter:     secondsToDuration(cfg.KVRetrySeconds, 5*time.Second),
	}
}

func secondsToDuration(v float64, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v * float64(time.Second))
}

// Enabled reports whether any subsystem asked for the shared store.
func (s *Store) Enabled() bool { return s.enabled }

// Connected reports whether a live client is cached.
func (s *Store) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// EnsureConnected returns true when a healthy client is available. It is
// idempotent while connected; after a failed probe it keeps returning
// false until the cooldown window expires.
func (s *Store) EnsureConnected(ctx context.Context) bool {
	_, ok := s.acquire(ctx)
	return ok
}

// acquire returns the live client, opening a connection if the cooldown
// allows. Operations use the returned handle for their whole call;
// re-reading s.client afterwards would race with a sibling's dropOnError.
func (s *Store) acquire(ctx context.Context) (*redis.Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, true
	}
	if !s.enabled {
		return nil, false
	}
	if time.Now().Before(s.nextAttempt) {
		return nil, false
	}

	opt, err := redis.ParseURL(s.url)
	if err != nil {
		// A malformed URL never heals; back off like a refused connection.
		s.nextAttempt = time.Now().Add(s.retryAfter)
		slog.Error("kvstore url invalid", slog.Any("error", err))
		return nil, false
	}
	opt.DialTimeout = s.connectTimeout
	opt.ReadTimeout = s.socketTimeout
	opt.WriteTimeout = s.socketTimeout

	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		s.nextAttempt = time.Now().Add(s.retryAfter)
		_ = client.Close()
		slog.Warn("kvstore connection failed", slog.Any("error", err))
		return nil, false
	}
	s.client = client
	s.nextAttempt = time.Time{}
	slog.Info("kvstore connected", slog.String("url", s.url))
	return s.client, true
}

// Close releases the cached client. Safe to call when never connected.
func (s *Store) Close() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		slog.Warn("kvstore close failed", slog.Any("error", err))
		return
	}
	slog.Info("kvstore connection closed")
}

// dropOnError discards the cached client so the next call re-probes.
func (s *Store) dropOnError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
		s.nextAttempt = time.Now().Add(s.retryAfter)
	}
}

// Push appends a JSON-serialized item to the tail of the list at key.
func (s *Store) Push(ctx context.Context, key string, item any) bool {
	client, ok := s.acquire(ctx)
	if !ok {
		return false
	}
	payload, err := json.Marshal(item)
	if err != nil {
		slog.Warn("kvstore push marshal failed", slog.String("key", key), slog.Any("error", err))
		return false
	}
	if err := client.RPush(ctx, key, payload).Err(); err != nil {
		slog.Warn("kvstore push failed", slog.String("key", key), slog.Any("error", err))
		s.dropOnError()
		return false
	}
	return true
}

// Pop blocks up to timeout for a head item and returns its raw JSON.
// A nil result means timeout or connection loss.
func (s *Store) Pop(ctx context.Context, key string, timeout time.Duration) []byte {
	client, ok := s.acquire(ctx)
	if !ok {
		return nil
	}
	if timeout < time.Second {
		timeout = time.Second
	}
	res, err := client.BLPop(ctx, timeout, key).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			slog.Warn("kvstore pop failed", slog.String("key", key), slog.Any("error", err))
			s.dropOnError()
		}
		return nil
	}
	if len(res) < 2 || res[1] == "" {
		return nil
	}
	return []byte(res[1])
}

// Len returns the list length at key, zero on any failure.
func (s *Store) Len(ctx context.Context, key string) int64 {
	client, ok := s.acquire(ctx)
	if !ok {
		return 0
	}
	n, err := client.LLen(ctx, key).Result()
	if err != nil {
		s.dropOnError()
		return 0
	}
	if n < 0 {
		return 0
	}
	return n
}

// SetSession mirrors one session's metadata into the registry hash.
func (s *Store) SetSession(ctx context.Context, connectionID string, meta map[string]any) bool {
	client, ok := s.acquire(ctx)
	if !ok {
		return false
	}
	payload := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		payload[k] = v
	}
	payload["connection_id"] = connectionID
	raw, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	if err := client.HSet(ctx, s.registryKey, connectionID, raw).Err(); err != nil {
		slog.Warn("kvstore set session failed", slog.String("connection_id", connectionID), slog.Any("error", err))
		s.dropOnError()
		return false
	}
	return true
}

// PatchSession merges updates into an existing registry entry.
func (s *Store) PatchSession(ctx context.Context, connectionID string, updates map[string]any) bool {
	client, ok := s.acquire(ctx)
	if !ok {
		return false
	}
	current := map[string]any{}
	if raw, err := client.HGet(ctx, s.registryKey, connectionID).Result(); err == nil && raw != "" {
		_ = json.Unmarshal([]byte(raw), &current)
	}
	for k, v := range updates {
		current[k] = v
	}
	return s.SetSession(ctx, connectionID, current)
}

// RemoveSession deletes one registry entry.
func (s *Store) RemoveSession(ctx context.Context, connectionID string) bool {
	client, ok := s.acquire(ctx)
	if !ok {
		return false
	}
	if err := client.HDel(ctx, s.registryKey, connectionID).Err(); err != nil {
		slog.Warn("kvstore remove session failed", slog.String("connection_id", connectionID), slog.Any("error", err))
		s.dropOnError()
		return false
	}
	return true
}

// Registry returns the shared session registry, optionally filtered by
// topic. An empty map means not connected or no entries.
func (s *Store) Registry(ctx context.Context, topic string) map[string]map[string]any {
	out := map[string]map[string]any{}
	client, ok := s.acquire(ctx)
	if !ok {
		return out
	}
	entries, err := client.HGetAll(ctx, s.registryKey).Result()
	if err != nil {
		slog.Warn("kvstore registry fetch failed", slog.Any("error", err))
		s.dropOnError()
		return out
	}
	for id, raw := range entries {
		parsed := map[string]any{}
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			continue
		}
		if topic != "" {
			if got, _ := parsed["topic"].(string); got != topic {
				continue
			}
		}
		out[id] = parsed
	}
	return out
}
