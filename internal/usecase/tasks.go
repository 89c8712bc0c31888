// Package usecase holds the task orchestration service. It owns the
// lifecycle of task records: create persists the record and enqueues the
// matching handler; stop/pause/resume transition status and notify the
// task's subscribers.
package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"forexcopilot/internal/domain"
	"forexcopilot/internal/taskrunner"
)

// Enqueuer is the slice of the task queue the service needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, handlerName string, args map[string]any) error
}

// CreateTaskInput carries the validated create-task request body.
type CreateTaskInput struct {
	Title            string             `json:"title" validate:"required,max=200"`
	Description      string             `json:"description" validate:"max=2000"`
	TaskType         string             `json:"task_type" validate:"required,oneof=market_analysis auto_trade forecast"`
	Priority         string             `json:"priority" validate:"omitempty,oneof=low medium high"`
	CurrencyPairs    []string           `json:"currency_pairs"`
	AutoTradeEnabled bool               `json:"auto_trade_enabled"`
	UserLimits       *domain.UserLimits `json:"user_limits"`
	AnalysisPeriodH  int                `json:"analysis_period_hours"`
	IncludeForecast  bool               `json:"include_forecast"`
	HorizonHours     int                `json:"forecast_horizon_hours"`
}

// TaskService orchestrates task records against the store, the queue and
// the event fan-out.
type TaskService struct {
	Store   domain.TaskStore
	Queue   Enqueuer
	Emitter domain.EventEmitter

	now   func() time.Time
	newID func() string
}

// NewTaskService constructs a TaskService over the live collaborators.
func NewTaskService(store domain.TaskStore, q Enqueuer, emitter domain.EventEmitter) *TaskService {
	return &TaskService{
		Store:   store,
		Queue:   q,
		Emitter: emitter,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.NewString() },
	}
}

// Create persists a new running task record and enqueues its handler.
// The record is returned as stored so the caller can echo it back.
func (s *TaskService) Create(ctx context.Context, userID string, in CreateTaskInput) (domain.Task, error) {
	names := taskrunner.StepsFor(domain.TaskType(in.TaskType))
	if names == nil {
		return domain.Task{}, fmt.Errorf("op=usecase.Create: unknown task_type %q: %w", in.TaskType, domain.ErrInvalidArgument)
	}
	steps := make([]domain.TaskStep, len(names))
	for i, name := range names {
		steps[i] = domain.TaskStep{Name: name}
	}

	now := s.now()
	priority := in.Priority
	if priority == "" {
		priority = "medium"
	}
	task := domain.Task{
		ID:          s.newID(),
		UserID:      userID,
		Title:       in.Title,
		Description: in.Description,
		TaskType:    domain.TaskType(in.TaskType),
		Status:      domain.TaskRunning,
		Priority:    priority,
		CreatedAt:   now,
		StartTime:   &now,
		Steps:       steps,
		TotalSteps:  len(steps),
	}
	if err := s.Store.Create(ctx, task); err != nil {
		return domain.Task{}, fmt.Errorf("op=usecase.Create: %w", err)
	}

	args := map[string]any{
		"task_id":                task.ID,
		"user_id":                userID,
		"currency_pairs":         in.CurrencyPairs,
		"include_forecast":       in.IncludeForecast,
		"forecast_horizon_hours": in.HorizonHours,
	}
	if in.UserLimits != nil {
		args["user_limits"] = in.UserLimits
	}
	if err := s.Queue.Enqueue(ctx, in.TaskType, args); err != nil {
		// Surface the enqueue failure but leave the record behind for
		// diagnostics; the task never ran.
		_, _ = s.Store.Update(ctx, task.ID, func(t *domain.Task) {
			end := s.now()
			t.Status = domain.TaskFailed
			t.EndTime = &end
		})
		return domain.Task{}, fmt.Errorf("op=usecase.Create: %w", err)
	}
	return task, nil
}

// List returns the user's task records newest-first.
func (s *TaskService) List(ctx context.Context, userID string) ([]domain.Task, error) {
	tasks, err := s.Store.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.List: %w", err)
	}
	return tasks, nil
}

// Get fetches one record after checking ownership.
func (s *TaskService) Get(ctx context.Context, userID, taskID string) (domain.Task, error) {
	return s.requireOwner(ctx, userID, taskID)
}

// Stop halts a running task: status paused, end time set, subscribers
// warned.
func (s *TaskService) Stop(ctx context.Context, userID, taskID string) (domain.Task, error) {
	if _, err := s.requireOwner(ctx, userID, taskID); err != nil {
		return domain.Task{}, err
	}
	s.Emitter.SendUpdate(ctx, taskID, "Task stopped by user", domain.EventWarning, nil, nil)
	updated, err := s.Store.Update(ctx, taskID, func(t *domain.Task) {
		end := s.now()
		t.Status = domain.TaskPaused
		t.EndTime = &end
	})
	if err != nil {
		return domain.Task{}, fmt.Errorf("op=usecase.Stop: %w", err)
	}
	return updated, nil
}

// Pause suspends a running task without an end time.
func (s *TaskService) Pause(ctx context.Context, userID, taskID string) (domain.Task, error) {
	if _, err := s.requireOwner(ctx, userID, taskID); err != nil {
		return domain.Task{}, err
	}
	s.Emitter.SendUpdate(ctx, taskID, "Task paused by user", domain.EventWarning, nil, nil)
	updated, err := s.Store.Update(ctx, taskID, func(t *domain.Task) {
		t.Status = domain.TaskPaused
	})
	if err != nil {
		return domain.Task{}, fmt.Errorf("op=usecase.Pause: %w", err)
	}
	return updated, nil
}

// Resume moves a paused task back to running.
func (s *TaskService) Resume(ctx context.Context, userID, taskID string) (domain.Task, error) {
	if _, err := s.requireOwner(ctx, userID, taskID); err != nil {
		return domain.Task{}, err
	}
	s.Emitter.SendUpdate(ctx, taskID, "Task resumed by user", domain.EventInfo, nil, nil)
	updated, err := s.Store.Update(ctx, taskID, func(t *domain.Task) {
		t.Status = domain.TaskRunning
	})
	if err != nil {
		return domain.Task{}, fmt.Errorf("op=usecase.Resume: %w", err)
	}
	return updated, nil
}

// Delete removes one record after checking ownership.
func (s *TaskService) Delete(ctx context.Context, userID, taskID string) error {
	if _, err := s.requireOwner(ctx, userID, taskID); err != nil {
		return err
	}
	if err := s.Store.Delete(ctx, taskID); err != nil {
		return fmt.Errorf("op=usecase.Delete: %w", err)
	}
	return nil
}

func (s *TaskService) requireOwner(ctx context.Context, userID, taskID string) (domain.Task, error) {
	task, err := s.Store.Get(ctx, taskID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("op=usecase.requireOwner: %w", err)
	}
	if userID != "" && task.UserID != userID {
		return domain.Task{}, fmt.Errorf("op=usecase.requireOwner: task %s: %w", taskID, domain.ErrForbidden)
	}
	return task, nil
}
