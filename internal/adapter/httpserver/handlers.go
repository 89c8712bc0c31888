package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"forexcopilot/internal/adapter/forex"
	"forexcopilot/internal/adapter/ws"
	"forexcopilot/internal/config"
	"forexcopilot/internal/domain"
	"forexcopilot/internal/ops"
	"forexcopilot/internal/usecase"
)

// Server owns the HTTP handlers and their collaborators.
type Server struct {
	cfg      config.Config
	tasks    *usecase.TaskService
	fx       *forex.Service
	manager  *ws.Manager
	streamer *ws.Streamer
	ops      *ops.Engine
	stats    *StatsCollector
	validate *validator.Validate
	upgrader websocket.Upgrader
}

// NewServer wires the handlers over the live collaborators.
func NewServer(cfg config.Config, tasks *usecase.TaskService, fx *forex.Service, manager *ws.Manager, streamer *ws.Streamer, opsEngine *ops.Engine, stats *StatsCollector) *Server {
	return &Server{
		cfg:      cfg,
		tasks:    tasks,
		fx:       fx,
		manager:  manager,
		streamer: streamer,
		ops:      opsEngine,
		stats:    stats,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// MountRoutes attaches every route onto the router.
func (s *Server) MountRoutes(r chi.Router) {
	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/api/health", s.handleHealth)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/create", s.handleCreateTask)
		r.Get("/", s.handleListTasks)
		r.Get("/{taskID}", s.handleGetTask)
		r.Post("/{taskID}/stop", s.handleStopTask)
		r.Post("/{taskID}/pause", s.handlePauseTask)
		r.Post("/{taskID}/resume", s.handleResumeTask)
		r.Delete("/{taskID}", s.handleDeleteTask)
	})

	r.Route("/api/forex", func(r chi.Router) {
		r.Get("/rates", s.handleForexRates)
		r.Get("/news", s.handleForexNews)
		r.Get("/sentiment", s.handleForexSentiment)
		r.Get("/forecast", s.handleForexForecast)
		r.Post("/stream/start", s.handleStreamStart)
		r.Post("/stream/stop", s.handleStreamStop)
	})

	r.Route("/api/ops", func(r chi.Router) {
		r.Get("/status", s.handleOpsStatus)
		r.Get("/alerts", s.handleOpsAlerts)
		r.Get("/readiness", s.handleOpsReadiness)
		r.Get("/metrics", s.handleOpsMetrics)
	})

	r.Route("/api/monitoring", func(r chi.Router) {
		r.Get("/metrics", s.handleMonitoringMetrics)
		r.Get("/health", s.handleMonitoringHealth)
		r.Get("/health/ready", s.handleMonitoringReady)
		r.Get("/health/live", s.handleMonitoringLive)
		r.Get("/trace", s.handleMonitoringTrace)
		r.Get("/endpoints", s.handleMonitoringEndpoints)
		r.Get("/performance", s.handleMonitoringPerformance)
		r.Get("/diagnostics", s.handleMonitoringDiagnostics)
	})

	r.Post("/api/updates/send", s.handleUpdatesSend)
	r.Get("/api/updates/connections", s.handleUpdatesConnections)

	r.Get("/api/ws/{taskID}", s.handleWSTask)
	r.Get("/api/ws", s.handleWSGlobal)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": s.cfg.ServiceName,
		"status":  "running",
		"endpoints": map[string]string{
			"tasks":      "/api/tasks",
			"forex":      "/api/forex",
			"websocket":  "/api/ws/{task_id}",
			"ops":        "/api/ops/status",
			"monitoring": "/api/monitoring/health",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": s.cfg.ServiceName})
}

// --- tasks ---

func taskPayload(t domain.Task) map[string]any {
	steps := make([]map[string]any, len(t.Steps))
	for i, step := range t.Steps {
		entry := map[string]any{"name": step.Name, "is_completed": step.IsCompleted}
		if step.CompletedAt != nil {
			entry["completed_at"] = step.CompletedAt.Format(time.RFC3339)
		}
		steps[i] = entry
	}
	out := map[string]any{
		"id":           t.ID,
		"user_id":      t.UserID,
		"title":        t.Title,
		"description":  t.Description,
		"task_type":    string(t.TaskType),
		"status":       string(t.Status),
		"priority":     t.Priority,
		"created_at":   t.CreatedAt.Format(time.RFC3339),
		"current_step": t.CurrentStep,
		"total_steps":  t.TotalSteps,
		"steps":        steps,
	}
	if t.StartTime != nil {
		out["start_time"] = t.StartTime.Format(time.RFC3339)
	}
	if t.EndTime != nil {
		out["end_time"] = t.EndTime.Format(time.RFC3339)
	}
	if t.ResultFileURL != "" {
		out["result_file_url"] = t.ResultFileURL
	}
	return out
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var in usecase.CreateTaskInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, r, fmt.Errorf("decode body: %w", domain.ErrInvalidArgument), "malformed JSON body")
		return
	}
	if err := s.validate.Struct(in); err != nil {
		writeError(w, r, fmt.Errorf("validate body: %w", domain.ErrInvalidArgument), err.Error())
		return
	}
	task, err := s.tasks.Create(r.Context(), UserIDFrom(r.Context()), in)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeSuccess(w, r, "Task created", taskPayload(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.List(r.Context(), UserIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	items := make([]any, len(tasks))
	for i, t := range tasks {
		items[i] = taskPayload(t)
	}
	writeSuccess(w, r, "OK", map[string]any{"tasks": items, "total": len(items)})
}

func (s *Server) taskAction(w http.ResponseWriter, r *http.Request, message string, op func(context.Context, string, string) (domain.Task, error)) {
	taskID := chi.URLParam(r, "taskID")
	task, err := op(r.Context(), UserIDFrom(r.Context()), taskID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeSuccess(w, r, message, taskPayload(task))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, "OK", s.tasks.Get)
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, "Task stopped", s.tasks.Stop)
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, "Task paused", s.tasks.Pause)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, "Task resumed", s.tasks.Resume)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.tasks.Delete(r.Context(), UserIDFrom(r.Context()), taskID); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeSuccess(w, r, "Task deleted", map[string]any{"id": taskID})
}

// --- forex ---

func (s *Server) handleForexRates(w http.ResponseWriter, r *http.Request) {
	rates := s.fx.Rates(r.Context())
	writeSuccess(w, r, "OK", map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"rates":     rates,
	})
}

func (s *Server) handleForexNews(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, "OK", map[string]any{"news": s.fx.News()})
}

func (s *Server) handleForexSentiment(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, "OK", map[string]any{"sentiment": s.fx.Sentiment(r.Context())})
}

func (s *Server) handleForexForecast(w http.ResponseWriter, r *http.Request) {
	pair := r.URL.Query().Get("pair")
	horizon := r.URL.Query().Get("horizon")
	if horizon == "" {
		horizon = "1d"
	}
	forecast, err := s.fx.Forecast(r.Context(), pair, horizon)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeSuccess(w, r, "OK", map[string]any{"forecast": forecast})
}

func (s *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	interval := s.cfg.ForexStreamInterval()
	if raw := r.URL.Query().Get("interval"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, fmt.Errorf("interval %q: %w", raw, domain.ErrInvalidArgument), "interval must be a positive integer")
			return
		}
		interval = time.Duration(n) * time.Second
	}
	s.streamer.Start(r.Context(), interval)
	writeSuccess(w, r, fmt.Sprintf("Forex stream started with %ds interval", int(s.streamer.Interval().Seconds())), nil)
}

func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	s.streamer.Stop()
	writeSuccess(w, r, "Forex stream stopped", nil)
}

// --- ops ---

func (s *Server) handleOpsStatus(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, "OK", s.ops.Status(r.Context()))
}

func (s *Server) handleOpsAlerts(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, "OK", s.ops.Alerts(r.Context()))
}

func (s *Server) handleOpsReadiness(w http.ResponseWriter, r *http.Request) {
	readiness := s.ops.Readiness(r.Context())
	status := http.StatusOK
	if ready, ok := readiness["ready"].(bool); ok && !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, Envelope{
		Status:    "success",
		Message:   "OK",
		Data:      readiness,
		RequestID: RequestIDFrom(r.Context()),
	})
}

func (s *Server) handleOpsMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := s.ops.Collect(r.Context())
	alerts := s.ops.BuildAlerts(snapshot)
	w.Header().Set("Content-Type", ops.MetricsContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(s.ops.PrometheusText(snapshot, alerts)))
}

// --- monitoring ---

func (s *Server) handleMonitoringMetrics(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, "OK", map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"metrics":   s.stats.Summary(),
	})
}

func (s *Server) handleMonitoringHealth(w http.ResponseWriter, r *http.Request) {
	readiness := s.ops.Readiness(r.Context())
	writeSuccess(w, r, "OK", map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"ready":     readiness["ready"],
		"checks":    readiness["checks"],
	})
}

func (s *Server) handleMonitoringReady(w http.ResponseWriter, r *http.Request) {
	readiness := s.ops.Readiness(r.Context())
	ready, _ := readiness["ready"].(bool)
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready})
}

func (s *Server) handleMonitoringLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alive": true})
}

func (s *Server) handleMonitoringTrace(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, "OK", map[string]any{
		"trace": map[string]any{
			"request_id": RequestIDFrom(r.Context()),
			"path":       r.URL.Path,
			"method":     r.Method,
		},
	})
}

func (s *Server) handleMonitoringEndpoints(w http.ResponseWriter, r *http.Request) {
	summary := s.stats.Summary()
	writeSuccess(w, r, "OK", map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"endpoints": summary["endpoints"],
	})
}

func (s *Server) handleMonitoringPerformance(w http.ResponseWriter, r *http.Request) {
	summary := s.stats.Summary()
	writeSuccess(w, r, "OK", map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"performance": map[string]any{
			"request_latency_ms": summary["request_latency_ms"],
			"error_rate":         summary["error_rate"],
			"uptime_seconds":     summary["uptime_seconds"],
		},
	})
}

func (s *Server) handleMonitoringDiagnostics(w http.ResponseWriter, r *http.Request) {
	summary := s.stats.Summary()
	readiness := s.ops.Readiness(r.Context())
	writeSuccess(w, r, "OK", map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"system": map[string]any{
			"total_requests": summary["total_requests"],
			"success_count":  summary["success_count"],
			"error_count":    summary["error_count"],
			"error_rate":     summary["error_rate"],
		},
		"performance": map[string]any{
			"request_latency_ms": summary["request_latency_ms"],
		},
		"dependencies": readiness["checks"],
		"ready":        readiness["ready"],
		"request_id":   RequestIDFrom(r.Context()),
	})
}

// --- updates ---

type updateRequest struct {
	TaskID   string   `json:"task_id" validate:"required"`
	Message  string   `json:"message" validate:"required"`
	Type     string   `json:"type"`
	Progress *float64 `json:"progress"`
}

func (s *Server) handleUpdatesSend(w http.ResponseWriter, r *http.Request) {
	var in updateRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, r, fmt.Errorf("decode body: %w", domain.ErrInvalidArgument), "malformed JSON body")
		return
	}
	if err := s.validate.Struct(in); err != nil {
		writeError(w, r, fmt.Errorf("validate body: %w", domain.ErrInvalidArgument), err.Error())
		return
	}
	typ := domain.EventType(in.Type)
	if in.Type == "" {
		typ = domain.EventInfo
	}
	s.manager.SendUpdate(r.Context(), in.TaskID, in.Message, typ, in.Progress, nil)
	writeSuccess(w, r, "Update sent", map[string]any{"task_id": in.TaskID})
}

func (s *Server) handleUpdatesConnections(w http.ResponseWriter, r *http.Request) {
	counts := s.manager.TopicCounts()
	topics := make([]any, 0, len(counts))
	for topic := range counts {
		topics = append(topics, topic)
	}
	writeSuccess(w, r, "OK", map[string]any{
		"total_connections": s.manager.ConnectionCount(""),
		"tasks":             topics,
	})
}

// --- duplex ---

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, topic string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		return
	}
	session := s.manager.Connect(r.Context(), conn, topic, UserIDFrom(r.Context()))
	s.manager.Serve(r.Context(), session)
}

func (s *Server) handleWSTask(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, chi.URLParam(r, "taskID"))
}

func (s *Server) handleWSGlobal(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, ws.GlobalTopic)
}
