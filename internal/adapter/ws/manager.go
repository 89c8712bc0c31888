// Package ws manages duplex sessions and fans task events out to them.
//
// Sessions subscribe to one topic, normally a task id; "global" carries
// the market stream. The manager owns three indexes (topic buckets, the
// full session set, and a metadata registry) and mirrors the registry
// into the shared store best-effort so diagnostics stay coherent across
// replicas.
package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"forexcopilot/internal/adapter/kvstore"
	"forexcopilot/internal/config"
	"forexcopilot/internal/domain"
	"forexcopilot/internal/observability"
)

// GlobalTopic is the broadcast bucket for sessions without a task.
const GlobalTopic = "global"

const writeWait = 10 * time.Second

// Session is one connected duplex client. Writes to the underlying
// socket are serialized through writeMu so frames never interleave.
type Session struct {
	ConnectionID string
	Topic        string
	UserID       string

	conn        *websocket.Conn
	writeMu     sync.Mutex
	connectedAt time.Time

	// Guarded by the owning manager's mutex.
	lastSeen time.Time
	closed   bool
}

// Manager tracks sessions and delivers event frames to them.
type Manager struct {
	kv                *kvstore.Store
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	now               func() time.Time

	mu       sync.Mutex
	byTopic  map[string]map[*Session]struct{}
	all      map[*Session]struct{}
	registry map[string]map[string]any
}

// NewManager builds a manager. StartHeartbeat arms the liveness sweep.
func NewManager(cfg config.Config, kv *kvstore.Store) *Manager {
	return &Manager{
		kv:                kv,
		heartbeatInterval: cfg.HeartbeatInterval(),
		heartbeatTimeout:  cfg.HeartbeatTimeout(),
		now:               time.Now,
		byTopic:           map[string]map[*Session]struct{}{},
		all:               map[*Session]struct{}{},
		registry:          map[string]map[string]any{},
	}
}

// Connect registers an accepted socket under a topic and greets it.
func (m *Manager) Connect(ctx context.Context, conn *websocket.Conn, topic, userID string) *Session {
	if topic == "" {
		topic = GlobalTopic
	}
	now := m.now()
	s := &Session{
		ConnectionID: uuid.NewString(),
		Topic:        topic,
		UserID:       userID,
		conn:         conn,
		connectedAt:  now,
		lastSeen:     now,
	}

	meta := map[string]any{
		"connection_id": s.ConnectionID,
		"topic":         topic,
		"user_id":       userID,
		"connected_at":  now.UTC().Format(time.RFC3339),
		"last_seen":     now.UTC().Format(time.RFC3339),
	}

	m.mu.Lock()
	bucket, ok := m.byTopic[topic]
	if !ok {
		bucket = map[*Session]struct{}{}
		m.byTopic[topic] = bucket
	}
	bucket[s] = struct{}{}
	m.all[s] = struct{}{}
	m.registry[s.ConnectionID] = meta
	total := len(m.all)
	m.mu.Unlock()

	observability.WSConnectionsActive.Inc()
	if m.kv != nil {
		m.kv.SetSession(ctx, s.ConnectionID, meta)
	}
	slog.Info("websocket connected",
		slog.String("topic", topic),
		slog.String("connection_id", s.ConnectionID),
		slog.Int("total_connections", total))

	m.SendUpdateTo(ctx, s, topic,
		"Connected to live forex updates for task: "+topic,
		domain.EventSuccess, nil, nil)
	return s
}

// Disconnect removes a session from every index and closes the socket.
// A second call for the same session is a no-op.
func (m *Manager) Disconnect(s *Session, reason string) {
	if s == nil {
		return
	}
	m.mu.Lock()
	if s.closed {
		m.mu.Unlock()
		return
	}
	s.closed = true
	if bucket, ok := m.byTopic[s.Topic]; ok {
		delete(bucket, s)
		if len(bucket) == 0 {
			delete(m.byTopic, s.Topic)
		}
	}
	delete(m.all, s)
	delete(m.registry, s.ConnectionID)
	remaining := len(m.all)
	m.mu.Unlock()

	observability.WSConnectionsActive.Dec()
	_ = s.conn.Close()
	if m.kv != nil {
		go m.kv.RemoveSession(context.Background(), s.ConnectionID)
	}
	slog.Info("websocket disconnected",
		slog.String("topic", s.Topic),
		slog.String("connection_id", s.ConnectionID),
		slog.String("reason", reason),
		slog.Int("remaining_connections", remaining))
}

// Touch refreshes the session's liveness timestamp, mirroring it to the
// shared registry best-effort.
func (m *Manager) Touch(s *Session) {
	if s == nil {
		return
	}
	now := m.now()
	stamp := now.UTC().Format(time.RFC3339)
	m.mu.Lock()
	if s.closed {
		m.mu.Unlock()
		return
	}
	s.lastSeen = now
	if meta, ok := m.registry[s.ConnectionID]; ok {
		meta["last_seen"] = stamp
	}
	m.mu.Unlock()
	if m.kv != nil {
		go m.kv.PatchSession(context.Background(), s.ConnectionID, map[string]any{"last_seen": stamp})
	}
}

func (m *Manager) newFrame(taskID, message string, typ domain.EventType, progress *float64, data map[string]any) domain.EventFrame {
	return domain.EventFrame{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Message:   message,
		Type:      typ,
		Timestamp: m.now().UTC().Format(time.RFC3339),
		Progress:  progress,
		Data:      data,
	}
}

// write pushes one frame to one socket under the session write lock.
func (m *Manager) write(s *Session, frame domain.EventFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(frame); err != nil {
		return err
	}
	observability.WSEventsSentTotal.WithLabelValues(string(frame.Type)).Inc()
	return nil
}

// deliver writes to a snapshot of sessions; any failed socket is
// disconnected instead of surfacing the error to the producer.
func (m *Manager) deliver(sessions []*Session, frame domain.EventFrame, failReason string) {
	for _, s := range sessions {
		if err := m.write(s, frame); err != nil {
			m.Disconnect(s, failReason)
			continue
		}
		m.Touch(s)
	}
}

func (m *Manager) topicSnapshot(topic string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.byTopic[topic]
	out := make([]*Session, 0, len(bucket))
	for s := range bucket {
		out = append(out, s)
	}
	return out
}

func (m *Manager) allSnapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.all))
	for s := range m.all {
		out = append(out, s)
	}
	return out
}

// SendUpdate fans an event out to every subscriber of the task's topic.
func (m *Manager) SendUpdate(ctx context.Context, taskID, message string, typ domain.EventType, progress *float64, data map[string]any) {
	frame := m.newFrame(taskID, message, typ, progress, data)
	m.deliver(m.topicSnapshot(taskID), frame, "send_failure")
}

// SendUpdateTo writes one event to a single session only.
func (m *Manager) SendUpdateTo(ctx context.Context, s *Session, taskID, message string, typ domain.EventType, progress *float64, data map[string]any) {
	frame := m.newFrame(taskID, message, typ, progress, data)
	if err := m.write(s, frame); err != nil {
		m.Disconnect(s, "send_failure")
		return
	}
	m.Touch(s)
}

// SendProgress reports one completed step of a running task.
func (m *Manager) SendProgress(ctx context.Context, taskID, step string, progress float64, message string) {
	m.SendUpdate(ctx, taskID, step+": "+message, domain.EventProgress, &progress, map[string]any{"step": step})
}

// SendComplete announces a terminal success with the result payload.
func (m *Manager) SendComplete(ctx context.Context, taskID string, result map[string]any) {
	m.SendUpdate(ctx, taskID, "Task completed successfully!", domain.EventSuccess, domain.Progress(1.0), result)
}

// SendError announces a terminal failure.
func (m *Manager) SendError(ctx context.Context, taskID, message string) {
	m.SendUpdate(ctx, taskID, "Error: "+message, domain.EventError, nil, nil)
}

// Broadcast delivers one frame to every connected session.
func (m *Manager) Broadcast(ctx context.Context, message string, typ domain.EventType, data map[string]any) {
	frame := m.newFrame("broadcast", message, typ, nil, data)
	m.deliver(m.allSnapshot(), frame, "broadcast_send_failure")
}

// SendForexUpdate pushes one market snapshot to every session.
func (m *Manager) SendForexUpdate(ctx context.Context, forexData map[string]any) {
	m.Broadcast(ctx, "Live forex market update received", domain.EventInfo, forexData)
}

// RegistrySnapshot returns connection metadata, preferring the shared
// store when it is reachable so cross-replica views agree.
func (m *Manager) RegistrySnapshot(ctx context.Context, topic string) map[string]map[string]any {
	if m.kv != nil && m.kv.EnsureConnected(ctx) {
		if shared := m.kv.Registry(ctx, topic); len(shared) > 0 {
			return shared
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]map[string]any{}
	for id, meta := range m.registry {
		if topic != "" {
			if got, _ := meta["topic"].(string); got != topic {
				continue
			}
		}
		clone := make(map[string]any, len(meta))
		for k, v := range meta {
			clone[k] = v
		}
		out[id] = clone
	}
	return out
}

// ConnectionCount reports sessions on one topic, or all when empty.
func (m *Manager) ConnectionCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if topic != "" {
		return len(m.byTopic[topic])
	}
	return len(m.all)
}

// TopicCounts returns the per-topic session counts.
func (m *Manager) TopicCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.byTopic))
	for topic, bucket := range m.byTopic {
		out[topic] = len(bucket)
	}
	return out
}

// StaleCount counts sessions silent for longer than olderThan.
func (m *Manager) StaleCount(olderThan time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-olderThan)
	n := 0
	for s := range m.all {
		if s.lastSeen.Before(cutoff) {
			n++
		}
	}
	return n
}

// Serve runs the session read loop until the client goes away. The
// literal text "ping" is answered with "pong"; everything readable
// refreshes liveness.
func (m *Manager) Serve(ctx context.Context, s *Session) {
	defer m.Disconnect(s, "client_disconnect")
	for {
		kind, payload, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		m.Touch(s)
		if kind == websocket.TextMessage && string(payload) == "ping" {
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err = s.conn.WriteMessage(websocket.TextMessage, []byte("pong"))
			s.writeMu.Unlock()
			if err != nil {
				m.Disconnect(s, "send_failure")
				return
			}
		}
	}
}

// StartHeartbeat arms the liveness sweep: each interval every session
// gets a ping frame, and sessions silent past the timeout are dropped.
func (m *Manager) StartHeartbeat(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Manager) sweep() {
	now := m.now()
	for _, s := range m.allSnapshot() {
		m.mu.Lock()
		silent := now.Sub(s.lastSeen)
		m.mu.Unlock()
		if silent > m.heartbeatTimeout {
			m.Disconnect(s, "heartbeat_timeout")
			continue
		}
		frame := m.newFrame(s.Topic, "ping", domain.EventPing, nil, nil)
		if err := m.write(s, frame); err != nil {
			m.Disconnect(s, "send_failure")
		}
	}
}

// Shutdown drops every session, typically during server teardown.
func (m *Manager) Shutdown() {
	for _, s := range m.allSnapshot() {
		m.Disconnect(s, "server_shutdown")
	}
}
