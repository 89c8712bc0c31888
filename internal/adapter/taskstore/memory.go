// Package taskstore keeps task records in process memory. Update
// linearizes status transitions under the store's own lock, matching
// the contract the core depends on.
package taskstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"forexcopilot/internal/domain"
)

// Memory is a map-backed task store safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
}

// New returns an empty store.
func New() *Memory {
	return &Memory{tasks: map[string]domain.Task{}}
}

func cloneTask(t domain.Task) domain.Task {
	out := t
	out.Steps = make([]domain.TaskStep, len(t.Steps))
	copy(out.Steps, t.Steps)
	return out
}

// Create inserts a new record; a duplicate id is rejected.
func (m *Memory) Create(ctx context.Context, t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[t.ID]; exists {
		return fmt.Errorf("op=taskstore.Create: id %s: %w", t.ID, domain.ErrInvalidArgument)
	}
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

// Get returns a copy of one record.
func (m *Memory) Get(ctx context.Context, id string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("op=taskstore.Get: id %s: %w", id, domain.ErrNotFound)
	}
	return cloneTask(t), nil
}

// List returns the user's records newest-first; an empty user id lists
// everything.
func (m *Memory) List(ctx context.Context, userID string) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if userID != "" && t.UserID != userID {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Update applies mutate under the store lock and returns the new record.
func (m *Memory) Update(ctx context.Context, id string, mutate func(*domain.Task)) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("op=taskstore.Update: id %s: %w", id, domain.ErrNotFound)
	}
	updated := cloneTask(t)
	mutate(&updated)
	updated.ID = id
	m.tasks[id] = updated
	return cloneTask(updated), nil
}

// Delete removes one record.
func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return fmt.Errorf("op=taskstore.Delete: id %s: %w", id, domain.ErrNotFound)
	}
	delete(m.tasks, id)
	return nil
}
