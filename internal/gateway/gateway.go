// Package gateway exposes the queue over HTTP: task and chat CRUD, retry,
// usage accounting, and the event stream endpoints (SSE and WebSocket) that
// replay a task's event log and then follow it live.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mothlane/relayq/internal/cron"
	"github.com/mothlane/relayq/internal/eventlog"
	"github.com/mothlane/relayq/internal/executor"
	"github.com/mothlane/relayq/internal/identity"
	"github.com/mothlane/relayq/internal/otel"
	"github.com/mothlane/relayq/internal/persistence"
	"github.com/mothlane/relayq/internal/shared"
)

// ErrQueueSaturated reports that pending depth reached MaxQueueDepth.
var ErrQueueSaturated = errors.New("queue saturated; retry later")

type Config struct {
	Store    *persistence.Store
	Log      *eventlog.Log
	Registry *executor.Registry
	Cron     *cron.Scheduler   // nil disables schedule endpoints
	Identity *identity.Service // nil disables identity endpoints
	Metrics  *otel.Metrics     // nil disables instrument recording
	Tracer   trace.Tracer      // nil disables request spans
	Logger   *slog.Logger

	// APIKey guards every endpoint except /healthz. Empty disables auth,
	// which is only sane on a loopback bind.
	APIKey string

	// MaxQueueDepth rejects new tasks with 429 once this many are pending.
	// Zero means no backpressure.
	MaxQueueDepth int

	// StreamTimeout ends an idle event stream that has seen no new events.
	StreamTimeout time.Duration

	// RetryPolicy controls whether manual retry resets the attempt counter.
	RetryPolicy string

	// ConfigFingerprint is the hash of the active config, exposed in /status.
	ConfigFingerprint string

	DefaultTenant string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 30 * time.Second
	}
	if cfg.DefaultTenant == "" {
		cfg.DefaultTenant = "default"
	}
	return &Server{cfg: cfg, logger: cfg.Logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /status", s.auth(s.handleStatus))
	mux.HandleFunc("GET /usage", s.auth(s.handleUsage))

	mux.HandleFunc("POST /tasks", s.auth(s.handleCreateTask))
	mux.HandleFunc("GET /tasks", s.auth(s.handleListTasks))
	mux.HandleFunc("GET /tasks/{id}", s.auth(s.handleGetTask))
	mux.HandleFunc("POST /tasks/{id}/retry", s.auth(s.handleRetryTask))
	mux.HandleFunc("GET /tasks/{id}/events", s.auth(s.handleTaskEvents))

	mux.HandleFunc("POST /chats", s.auth(s.handleCreateChat))
	mux.HandleFunc("GET /chats", s.auth(s.handleListChats))
	mux.HandleFunc("GET /chats/{id}", s.auth(s.handleGetChat))
	mux.HandleFunc("PATCH /chats/{id}", s.auth(s.handleUpdateChat))
	mux.HandleFunc("POST /chats/{id}/messages", s.auth(s.handlePostMessage))
	mux.HandleFunc("GET /chats/{id}/messages", s.auth(s.handleListMessages))
	mux.HandleFunc("GET /chats/{id}/events", s.auth(s.handleChatEvents))

	mux.HandleFunc("POST /schedules", s.auth(s.handleCreateSchedule))
	mux.HandleFunc("GET /schedules", s.auth(s.handleListSchedules))
	mux.HandleFunc("POST /schedules/{id}/enable", s.auth(s.handleScheduleEnable(true)))
	mux.HandleFunc("POST /schedules/{id}/disable", s.auth(s.handleScheduleEnable(false)))

	mux.HandleFunc("POST /identities", s.auth(s.handleRegisterIdentity))
	mux.HandleFunc("GET /identities", s.auth(s.handleListIdentities))
	mux.HandleFunc("POST /identities/acquire", s.auth(s.handleAcquireIdentity))
	mux.HandleFunc("POST /identities/{id}/block", s.auth(s.handleBlockIdentity))

	mux.HandleFunc("GET /ws/tasks/{id}", s.auth(s.handleTaskWS))

	return s.instrument(mux)
}

// instrument wraps the mux with a server span per request and duration
// recording. With neither a Tracer nor Metrics configured the mux is
// returned untouched.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.cfg.Metrics == nil && s.cfg.Tracer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if s.cfg.Tracer != nil {
			ctx, span := otel.StartServerSpan(r.Context(), s.cfg.Tracer, r.Method+" "+r.URL.Path,
				attribute.String("http.request.method", r.Method))
			defer span.End()
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("http.request.method", r.Method)))
		}
	})
}

func (s *Server) rejectQueueFull(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.QueueRejects.Add(r.Context(), 1)
	}
	writeError(w, http.StatusTooManyRequests, ErrQueueSaturated.Error())
}

// trackStream bumps the subscriber gauge and returns the matching decrement
// for the caller to defer.
func (s *Server) trackStream(ctx context.Context) func() {
	if s.cfg.Metrics == nil {
		return func() {}
	}
	s.cfg.Metrics.StreamSubscribers.Add(ctx, 1)
	return func() {
		s.cfg.Metrics.StreamSubscribers.Add(context.WithoutCancel(ctx), -1)
	}
}

// auth wraps a handler with API key verification. The key is accepted as a
// Bearer token or an X-API-Key header.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" && !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	token := strings.TrimSpace(r.Header.Get("X-API-Key"))
	if token == "" {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		const prefix = "Bearer "
		if !strings.HasPrefix(authz, prefix) {
			return false
		}
		token = strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIKey)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps store sentinel errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, persistence.ErrRetryExhausted):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, persistence.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, persistence.ErrChatBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, executor.ErrUnknownTaskType), errors.Is(err, executor.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.TaskCounts(r.Context()); err != nil {
		dbOK = false
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"healthy": dbOK, "db_ok": dbOK})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.TaskCounts(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":          counts,
		"queue_depth":    counts[persistence.TaskStatusPending],
		"mirrored_tasks": s.cfg.Log.MirroredTasks(),
		"task_types":     s.cfg.Registry.Types(),
		"config_hash":    s.cfg.ConfigFingerprint,
		"time_unix":      time.Now().Unix(),
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	since := time.Time{}
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		since = parsed
	}
	totals, err := s.cfg.Store.Usage(r.Context(), tenant, since)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

// --- tasks ---

type createTaskRequest struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts"`
	ChatID      string          `json:"chat_id"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	payload := string(req.Payload)
	if err := s.cfg.Registry.ValidatePayload(req.Type, payload); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.queueFull(r); errors.Is(err, ErrQueueSaturated) {
		s.rejectQueueFull(w, r)
		return
	} else if err != nil {
		writeStoreError(w, err)
		return
	}

	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	task, err := s.cfg.Store.CreateTask(ctx, persistence.CreateTaskParams{
		Type:        req.Type,
		Payload:     payload,
		MaxAttempts: req.MaxAttempts,
		ChatID:      req.ChatID,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(otel.AttrTaskID.String(task.ID), otel.AttrTaskType.String(task.Type))
	s.logger.Info("task created", "task_id", task.ID, "type", task.Type, "trace_id", shared.TraceID(ctx))
	writeJSON(w, http.StatusCreated, task)
}

// queueFull returns ErrQueueSaturated once pending depth reaches
// MaxQueueDepth.
func (s *Server) queueFull(r *http.Request) error {
	if s.cfg.MaxQueueDepth <= 0 {
		return nil
	}
	counts, err := s.cfg.Store.TaskCounts(r.Context())
	if err != nil {
		return err
	}
	if counts[persistence.TaskStatusPending] >= s.cfg.MaxQueueDepth {
		return ErrQueueSaturated
	}
	return nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := persistence.TaskStatus(r.URL.Query().Get("status"))
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), status, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	reset := s.cfg.RetryPolicy == "reset"
	if v := r.URL.Query().Get("reset"); v != "" {
		reset = v == "true" || v == "1"
	}
	if err := s.cfg.Store.RetryTask(r.Context(), taskID, reset); err != nil {
		writeStoreError(w, err)
		return
	}
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Info("task retried", "task_id", taskID, "reset", reset)
	writeJSON(w, http.StatusOK, task)
}

// --- chats ---

type createChatRequest struct {
	Tenant       string            `json:"tenant"`
	SystemPrompt string            `json:"system_prompt"`
	Workspace    string            `json:"workspace"`
	AllowedTools []string          `json:"allowed_tools"`
	MaxTurns     int               `json:"max_turns"`
	Metadata     map[string]string `json:"metadata"`
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Tenant == "" {
		req.Tenant = s.cfg.DefaultTenant
	}
	chat, err := s.cfg.Store.CreateChat(r.Context(), persistence.CreateChatParams{
		Tenant:       req.Tenant,
		SystemPrompt: req.SystemPrompt,
		Workspace:    req.Workspace,
		AllowedTools: req.AllowedTools,
		MaxTurns:     req.MaxTurns,
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(otel.AttrTenant.String(chat.Tenant), otel.AttrChatID.String(chat.ID))
	writeJSON(w, http.StatusCreated, chat)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	metaFilter := map[string]string{}
	for key, values := range r.URL.Query() {
		if strings.HasPrefix(key, "meta.") && len(values) > 0 {
			metaFilter[strings.TrimPrefix(key, "meta.")] = values[0]
		}
	}
	chats, err := s.cfg.Store.ListChats(r.Context(), tenant, metaFilter, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if chats == nil {
		chats = []persistence.Chat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	chat, err := s.cfg.Store.GetChat(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleUpdateChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SystemPrompt *string            `json:"system_prompt"`
		Workspace    *string            `json:"workspace"`
		AllowedTools *[]string          `json:"allowed_tools"`
		MaxTurns     *int               `json:"max_turns"`
		Metadata     *map[string]string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	chat, err := s.cfg.Store.UpdateChat(r.Context(), r.PathValue("id"), persistence.ChatUpdate{
		SystemPrompt: req.SystemPrompt,
		Workspace:    req.Workspace,
		AllowedTools: req.AllowedTools,
		MaxTurns:     req.MaxTurns,
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

// handlePostMessage saves the user message and enqueues an agent turn for
// the chat. One turn at a time: a chat with an unfinished task is 409.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	active, err := s.cfg.Store.ActiveTaskForChat(r.Context(), chatID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if active != nil {
		writeStoreError(w, fmt.Errorf("chat %s has task %s in flight: %w", chatID, active.ID, persistence.ErrChatBusy))
		return
	}
	if err := s.queueFull(r); errors.Is(err, ErrQueueSaturated) {
		s.rejectQueueFull(w, r)
		return
	} else if err != nil {
		writeStoreError(w, err)
		return
	}

	msg, err := s.cfg.Store.AddMessage(r.Context(), chatID, "user", req.Content, 0, 0)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	payload, _ := json.Marshal(executor.AgentPayload{Prompt: req.Content})
	ctx := shared.WithChatID(shared.WithTraceID(r.Context(), shared.NewTraceID()), chatID)
	task, err := s.cfg.Store.CreateTask(ctx, persistence.CreateTaskParams{
		Type:    "agent",
		Payload: string(payload),
		ChatID:  chatID,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(otel.AttrChatID.String(chatID), otel.AttrTaskID.String(task.ID))
	s.logger.Info("chat turn enqueued", "chat_id", chatID, "task_id", task.ID, "trace_id", shared.TraceID(ctx))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":  task.ID,
		"message":  msg,
		"chat_id":  chatID,
		"sequence": msg.Sequence,
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	if _, err := s.cfg.Store.GetChat(r.Context(), chatID); err != nil {
		writeStoreError(w, err)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := s.cfg.Store.ListMessages(r.Context(), chatID, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if msgs == nil {
		msgs = []persistence.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// --- schedules ---

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Cron == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not available")
		return
	}
	var req struct {
		Name     string          `json:"name"`
		CronExpr string          `json:"cron_expr"`
		TaskType string          `json:"task_type"`
		Payload  json.RawMessage `json:"payload"`
		ChatID   string          `json:"chat_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.CronExpr == "" {
		writeError(w, http.StatusBadRequest, "name and cron_expr are required")
		return
	}
	sched, err := s.cfg.Cron.Plan(r.Context(), persistence.CreateScheduleParams{
		Name:     req.Name,
		CronExpr: req.CronExpr,
		TaskType: req.TaskType,
		Payload:  string(req.Payload),
		ChatID:   req.ChatID,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	scheds, err := s.cfg.Store.ListSchedules(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if scheds == nil {
		scheds = []persistence.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": scheds})
}

func (s *Server) handleScheduleEnable(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.cfg.Store.SetScheduleEnabled(r.Context(), r.PathValue("id"), enabled); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"enabled": enabled})
	}
}
