// Package http exposes the task registry, run progress and run reports over HTTP.
package http

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"ot2-driver/internal/audit"
	"ot2-driver/internal/auth"
	"ot2-driver/internal/robot/application"
	robot "ot2-driver/internal/robot/domain"
	"ot2-driver/internal/robot/infrastructure/ot2api"
	"ot2-driver/internal/robot/interfaces/tasks"
)

const tasksPrefix = "/api/v1/tasks/"

// StatusClientClosedRequest is written when a task was cancelled by its caller.
const StatusClientClosedRequest = 499

type taskResponse struct {
	Task   string `json:"task"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// TaskHandler lists and invokes registered tasks.
type TaskHandler struct {
	registry    *tasks.Registry
	sink        robot.ProgressSink
	auditLogger audit.Logger
	logger      *log.Logger

	mu       sync.Mutex
	inflight map[string]map[*atomic.Bool]struct{}
}

// NewTaskHandler constructs a task handler.
func NewTaskHandler(registry *tasks.Registry, sink robot.ProgressSink, auditLogger audit.Logger, logger *log.Logger) (*TaskHandler, error) {
	if registry == nil {
		return nil, errors.New("task handler: nil registry")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &TaskHandler{
		registry:    registry,
		sink:        sink,
		auditLogger: auditLogger,
		logger:      logger,
		inflight:    make(map[string]map[*atomic.Bool]struct{}),
	}, nil
}

// ServeHTTP handles GET /api/v1/tasks, POST and DELETE /api/v1/tasks/{name}.
func (h *TaskHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/v1/tasks" || r.URL.Path == tasksPrefix {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, h.registry.List())
		return
	}

	name := strings.TrimPrefix(r.URL.Path, tasksPrefix)
	if name == "" || strings.Contains(name, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		info, ok := h.registry.Lookup(name)
		if !ok {
			http.Error(w, "unknown task", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, info)
	case http.MethodPost:
		h.handleInvoke(w, r, name)
	case http.MethodDelete:
		h.handleCancel(w, name)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *TaskHandler) handleInvoke(w http.ResponseWriter, r *http.Request, name string) {
	info, ok := h.registry.Lookup(name)
	if !ok {
		http.Error(w, "unknown task", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if len(strings.TrimSpace(string(body))) > 0 && !json.Valid(body) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	cancelled := h.track(name)
	defer h.untrack(name, cancelled)

	inv := tasks.Invocation{Sink: h.sink, Cancelled: cancelled.Load}
	result, err := h.registry.Invoke(r.Context(), name, body, inv)
	status := http.StatusOK
	resp := taskResponse{Task: name, Result: result}
	if err != nil {
		status = statusForError(err)
		resp.Error = err.Error()
	}
	if !info.ReadOnly {
		h.logAudit(r, name, body, err)
	}
	writeJSON(w, status, resp)
}

func (h *TaskHandler) handleCancel(w http.ResponseWriter, name string) {
	h.mu.Lock()
	flags := h.inflight[name]
	for flag := range flags {
		flag.Store(true)
	}
	count := len(flags)
	h.mu.Unlock()
	if count == 0 {
		http.Error(w, "no invocation in flight", http.StatusNotFound)
		return
	}
	h.logger.Printf("task cancel requested: task=%s invocations=%d", name, count)
	writeJSON(w, http.StatusAccepted, map[string]any{"task": name, "cancelled": count})
}

func (h *TaskHandler) track(name string) *atomic.Bool {
	flag := &atomic.Bool{}
	h.mu.Lock()
	if h.inflight[name] == nil {
		h.inflight[name] = make(map[*atomic.Bool]struct{})
	}
	h.inflight[name][flag] = struct{}{}
	h.mu.Unlock()
	return flag
}

func (h *TaskHandler) untrack(name string, flag *atomic.Bool) {
	h.mu.Lock()
	delete(h.inflight[name], flag)
	if len(h.inflight[name]) == 0 {
		delete(h.inflight, name)
	}
	h.mu.Unlock()
}

func (h *TaskHandler) logAudit(r *http.Request, name string, args []byte, err error) {
	if h.auditLogger == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	var meta json.RawMessage
	if json.Valid(args) {
		meta = json.RawMessage(args)
	}
	if logErr := h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       "task." + name,
		ResourceType: "task",
		ResourceID:   name,
		Outcome:      outcome,
		Metadata:     meta,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	}); logErr != nil {
		h.logger.Printf("task audit failed: task=%s err=%v", name, logErr)
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, tasks.ErrInvalidArgs):
		return http.StatusBadRequest
	case errors.Is(err, tasks.ErrUnknownTask), errors.Is(err, tasks.ErrProtocolNotFound):
		return http.StatusNotFound
	case errors.Is(err, tasks.ErrNoActiveRun):
		return http.StatusConflict
	case errors.Is(err, application.ErrCancelled):
		return StatusClientClosedRequest
	}
	var te *ot2api.TransportError
	if errors.As(err, &te) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
