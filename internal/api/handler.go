package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/podushkina/taskrelay/internal/logging"
	"github.com/podushkina/taskrelay/internal/task"
	"github.com/podushkina/taskrelay/internal/transform"
)

// Store is the read/create side of a task backend.
type Store interface {
	Create(ctx context.Context, in task.NewTask) (task.Record, error)
	Fetch(ctx context.Context, id int64) (task.Record, error)
	List(ctx context.Context) ([]task.Record, error)
	ListAudit(ctx context.Context, taskID int64) ([]task.AuditEntry, error)
}

type Handler struct {
	store  Store
	logger *zap.Logger
}

func NewHandler(s Store, logger *zap.Logger) *Handler {
	return &Handler{store: s, logger: logging.Component(logger, "api")}
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req task.NewTask
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.RawValue == nil && req.Value == nil {
		respondError(w, http.StatusBadRequest, "raw_value or value is required")
		return
	}

	// Reject values the transform could never deliver.
	if _, err := transform.Apply(task.Record{RawValue: req.RawValue, Value: req.Value}); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.store.Create(r.Context(), req)
	if err != nil {
		h.internalError(w, "create task", err)
		return
	}

	respondJSON(w, http.StatusCreated, rec)
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}

	rec, err := h.store.Fetch(r.Context(), id)
	if errors.Is(err, task.ErrNotFound) {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		h.internalError(w, "get task", err)
		return
	}

	respondJSON(w, http.StatusOK, rec)
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.store.List(r.Context())
	if err != nil {
		h.internalError(w, "list tasks", err)
		return
	}

	respondJSON(w, http.StatusOK, tasks)
}

// GetAudit returns the audit trail of a task. Ids that never existed may
// still have entries, so an empty list is not a 404.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}

	entries, err := h.store.ListAudit(r.Context(), id)
	if err != nil {
		h.internalError(w, "list audit", err)
		return
	}

	respondJSON(w, http.StatusOK, entries)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op+" failed", zap.Error(err))
	respondError(w, http.StatusInternalServerError, err.Error())
}

func taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid task id")
		return 0, false
	}
	return id, true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
