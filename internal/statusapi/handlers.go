package statusapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"hpcflow/internal/store"
	"hpcflow/internal/workflow"
	"hpcflow/pkg/api"
)

// Reporter is the read side of the task store.
type Reporter = store.Reporter

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	store Reporter
}

// NewHandlers creates a new Handlers instance with the given store dependency.
func NewHandlers(s Reporter) *Handlers {
	return &Handlers{store: s}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// Healthz is a liveness probe.
// It returns 200 OK if the server is running.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJson(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Readyz is a readiness probe.
// It checks if the task store can be reached.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.httpError(w, "Database unavailable", http.StatusServiceUnavailable)
		return
	}
	h.respondJson(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Status handles GET /status.
// Optional query parameters: pattern (repeatable, SQL LIKE on run names) and proc (repeatable).
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{Patterns: q["pattern"]}
	if len(q["proc"]) > 0 {
		procs, err := workflow.ParseProcessTypes(q["proc"])
		if err != nil {
			h.httpError(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.ProcTypes = procs
	}

	counts, err := h.store.StatusCounts(r.Context(), filter)
	if err != nil {
		h.httpError(w, "Failed to read task status", http.StatusInternalServerError)
		return
	}
	h.respondJson(w, http.StatusOK, ToStatusResponse(counts))
}

// Task handles GET /tasks/{run}/{proc}.
// Returns every attempt of the task with its resource usage and error history.
func (h *Handlers) Task(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	run := r.PathValue("run")
	proc, err := workflow.ParseProcessType(r.PathValue("proc"))
	if err != nil {
		h.httpError(w, "Invalid process type", http.StatusBadRequest)
		return
	}

	history, err := h.store.TaskHistory(ctx, run, proc)
	if errors.Is(err, store.ErrNotFound) {
		h.httpError(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.httpError(w, "Failed to read task history", http.StatusInternalServerError)
		return
	}
	errs, err := h.store.TaskErrors(ctx, run, proc)
	if err != nil {
		h.httpError(w, "Failed to read task errors", http.StatusInternalServerError)
		return
	}
	retries, err := h.store.Retries(ctx, run, proc)
	if err != nil {
		h.httpError(w, "Failed to read task retries", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, ToTaskResponse(run, proc, history, errs, retries))
}
