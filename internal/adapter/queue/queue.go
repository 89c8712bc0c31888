// Package queue runs background task jobs on a pool of workers.
//
// Two backends share one surface: an in-process bounded FIFO (default)
// and a shared list in the key-value store for multi-replica deployments.
// Handlers are registered by name before enqueueing; a shared job is a
// JSON document naming its handler so any replica can claim it.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"forexcopilot/internal/adapter/kvstore"
	"forexcopilot/internal/config"
	"forexcopilot/internal/domain"
	"forexcopilot/internal/observability"
)

// Handler executes one job. An error or panic marks the job failed.
type Handler func(ctx context.Context, args map[string]any) error

// Job is the wire shape of a shared-backend queue entry.
type Job struct {
	Handler string         `json:"handler"`
	Args    map[string]any `json:"args"`
}

// Queue dispatches jobs to registered handlers on worker goroutines.
type Queue struct {
	kv           *kvstore.Store
	requested    string
	backend      string
	workers      int
	maxSize      int
	sharedKey    string
	blockTimeout time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	jobs chan Job

	enqueued   atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	sharedSize atomic.Int64
}

// New builds a stopped queue. Start spawns the workers.
func New(cfg config.Config, kv *kvstore.Store) *Queue {
	workers := cfg.TaskQueueWorkers
	if workers < 1 {
		workers = 1
	}
	maxSize := cfg.TaskQueueMaxSize
	if maxSize < 1 {
		maxSize = 1
	}
	block := time.Duration(cfg.TaskQueueBlockSeconds) * time.Second
	if block < time.Second {
		block = time.Second
	}
	requested := strings.ToLower(strings.TrimSpace(cfg.TaskQueueBackend))
	if requested == "" {
		requested = "memory"
	}
	return &Queue{
		kv:           kv,
		requested:    requested,
		backend:      "memory",
		workers:      workers,
		maxSize:      maxSize,
		sharedKey:    cfg.TaskQueueKey,
		blockTimeout: block,
		handlers:     map[string]Handler{},
		jobs:         make(chan Job, maxSize),
	}
}

// Register binds a handler name to its function. Last write wins.
func (q *Queue) Register(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

func (q *Queue) handler(name string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[name]
	return h, ok
}

// Start picks the effective backend and spawns the worker pool. A shared
// request without a reachable store falls back to memory so jobs still run.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.backend = "memory"
	if q.requested == "shared" {
		if q.kv != nil && q.kv.EnsureConnected(ctx) {
			q.backend = "shared"
		} else {
			slog.Warn("task queue shared backend unavailable, falling back to memory")
		}
	}
	runCtx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.started = true
	q.jobs = make(chan Job, q.maxSize)
	backend := q.backend
	jobs := q.jobs
	q.mu.Unlock()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func(id int) {
			defer q.wg.Done()
			if backend == "shared" {
				q.runShared(runCtx, id)
				return
			}
			q.runMemory(runCtx, id, jobs)
		}(i)
	}
	slog.Info("task queue started",
		slog.String("backend", backend),
		slog.Int("workers", q.workers),
		slog.Int("max_size", q.maxSize))
}

// Stop refuses new jobs, lets the workers drain everything already
// queued, then waits for them to exit. Shared workers cannot drain a
// remote list; they stop after their current pop.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	cancel := q.cancel
	backend := q.backend
	if backend == "memory" {
		// Enqueue sends while holding the read lock, so nothing can hit
		// the channel after this close.
		close(q.jobs)
	}
	q.mu.Unlock()

	if backend == "shared" {
		cancel()
	}
	q.wg.Wait()
	cancel()
	slog.Info("task queue stopped")
}

// Enqueue submits a job. The handler must be registered and, for the
// shared backend, args must be JSON-serializable. A full memory queue
// rejects immediately instead of blocking the caller.
func (q *Queue) Enqueue(ctx context.Context, handlerName string, args map[string]any) error {
	q.mu.RLock()
	started := q.started
	backend := q.backend
	q.mu.RUnlock()
	if !started {
		return fmt.Errorf("op=queue.Enqueue: queue not started: %w", domain.ErrInternal)
	}
	if _, ok := q.handler(handlerName); !ok {
		return fmt.Errorf("op=queue.Enqueue: no handler registered for %q: %w", handlerName, domain.ErrInvalidArgument)
	}

	job := Job{Handler: handlerName, Args: args}
	if backend == "shared" {
		if _, err := json.Marshal(job); err != nil {
			return fmt.Errorf("op=queue.Enqueue: args not serializable: %w", domain.ErrInvalidArgument)
		}
		if !q.kv.Push(ctx, q.sharedKey, job) {
			return fmt.Errorf("op=queue.Enqueue: shared store rejected job: %w", domain.ErrInternal)
		}
		q.sharedSize.Add(1)
		q.enqueued.Add(1)
		observability.TasksEnqueuedTotal.WithLabelValues(handlerName).Inc()
		return nil
	}

	// The send happens under the read lock so Stop cannot close the
	// channel between the started re-check and the send.
	q.mu.RLock()
	if !q.started {
		q.mu.RUnlock()
		return fmt.Errorf("op=queue.Enqueue: queue not started: %w", domain.ErrInternal)
	}
	select {
	case q.jobs <- job:
		q.mu.RUnlock()
		q.enqueued.Add(1)
		observability.TasksEnqueuedTotal.WithLabelValues(handlerName).Inc()
		return nil
	default:
		q.mu.RUnlock()
		return fmt.Errorf("op=queue.Enqueue: %w", domain.ErrQueueFull)
	}
}

// runMemory consumes until the channel is closed and drained, so jobs
// accepted before Stop always execute.
func (q *Queue) runMemory(ctx context.Context, id int, jobs <-chan Job) {
	for job := range jobs {
		q.execute(ctx, id, job)
	}
}

func (q *Queue) runShared(ctx context.Context, id int) {
	for ctx.Err() == nil {
		raw := q.kv.Pop(ctx, q.sharedKey, q.blockTimeout)
		if raw == nil {
			continue
		}
		// The estimate only tracks locally enqueued jobs; floor at zero.
		for {
			n := q.sharedSize.Load()
			if n <= 0 {
				break
			}
			if q.sharedSize.CompareAndSwap(n, n-1) {
				break
			}
		}
		var job Job
		if err := json.Unmarshal(raw, &job); err != nil {
			slog.Warn("task queue job malformed", slog.Int("worker", id), slog.Any("error", err))
			q.failed.Add(1)
			continue
		}
		q.execute(ctx, id, job)
	}
}

// execute runs one job with a panic barrier so a broken handler never
// takes the worker down.
func (q *Queue) execute(ctx context.Context, id int, job Job) {
	h, ok := q.handler(job.Handler)
	if !ok {
		slog.Warn("task queue job has no handler",
			slog.Int("worker", id), slog.String("handler", job.Handler))
		q.failed.Add(1)
		observability.TasksFailedTotal.WithLabelValues(job.Handler).Inc()
		return
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("op=queue.execute: handler panicked: %v", r)
			}
		}()
		return h(ctx, job.Args)
	}()
	if err != nil {
		slog.Error("task queue job failed",
			slog.Int("worker", id),
			slog.String("handler", job.Handler),
			slog.Any("error", err))
		q.failed.Add(1)
		observability.TasksFailedTotal.WithLabelValues(job.Handler).Inc()
		return
	}
	q.completed.Add(1)
	observability.TasksCompletedTotal.WithLabelValues(job.Handler).Inc()
}

// Size reports the best-effort queue depth for the active backend.
func (q *Queue) Size(ctx context.Context) int64 {
	q.mu.RLock()
	backend := q.backend
	jobs := q.jobs
	q.mu.RUnlock()
	if backend == "shared" {
		if q.kv != nil && q.kv.Connected() {
			return q.kv.Len(ctx, q.sharedKey)
		}
		return q.sharedSize.Load()
	}
	return int64(len(jobs))
}

// Stats returns the operational snapshot served by the ops surface.
func (q *Queue) Stats(ctx context.Context) map[string]any {
	q.mu.RLock()
	started := q.started
	backend := q.backend
	names := make([]string, 0, len(q.handlers))
	for name := range q.handlers {
		names = append(names, name)
	}
	q.mu.RUnlock()
	sort.Strings(names)

	stats := map[string]any{
		"started":             started,
		"backend_requested":   q.requested,
		"backend":             backend,
		"workers":             q.workers,
		"max_size":            q.maxSize,
		"queue_size":          q.Size(ctx),
		"enqueued":            q.enqueued.Load(),
		"completed":           q.completed.Load(),
		"failed":              q.failed.Load(),
		"registered_handlers": names,
	}
	if backend == "shared" {
		stats["kv_queue_key"] = q.sharedKey
	}
	return stats
}

// Failed exposes the failure counter for alert evaluation.
func (q *Queue) Failed() int64 { return q.failed.Load() }
