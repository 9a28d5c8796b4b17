// Package collectors provides HTTP handlers for log sources and the
// containers they can follow.
package collectors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"

	"github.com/good-yellow-bee/logpulse/internal/collector"
	"github.com/good-yellow-bee/logpulse/internal/manager"
	"github.com/good-yellow-bee/logpulse/internal/models"
)

// Response helpers
type errorResponse struct {
	Error errorBody `json:"error"`
}
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
type dataResponse struct {
	Data any `json:"data"`
}

const (
	errCodeBadRequest        = "BAD_REQUEST"
	errCodeValidationFailed  = "VALIDATION_FAILED"
	errCodeNotFound          = "NOT_FOUND"
	errCodeSourceUnavailable = "SOURCE_UNAVAILABLE"
	errCodeUnavailable       = "SERVICE_UNAVAILABLE"
	errCodeInternalError     = "INTERNAL_ERROR"
)

func jsonError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: errorBody{Code: code, Message: message}})
}

func jsonStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(dataResponse{Data: data})
}

// Manager starts and stops collectors. manager.Manager implements it.
type Manager interface {
	StartCollecting(ctx context.Context, spec manager.SourceSpec) (*manager.LogSourceHandle, error)
	StopCollecting(sourceID string) bool
	ListActive() []collector.Status
}

// Handler handles collector endpoints.
type Handler struct {
	mgr Manager
	log logr.Logger
}

// NewHandler creates a new collectors handler.
func NewHandler(mgr Manager, log logr.Logger) *Handler {
	return &Handler{mgr: mgr, log: log.WithName("collectors")}
}

// List handles GET /api/v1/collectors.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	jsonStatus(w, http.StatusOK, h.mgr.ListActive())
}

// Create handles POST /api/v1/collectors. Starting an already running
// source returns its current status.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var spec manager.SourceSpec
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, "invalid request body")
		return
	}
	if err := spec.Validate(); err != nil {
		jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
		return
	}

	handle, err := h.mgr.StartCollecting(r.Context(), spec)
	switch {
	case err == nil:
		jsonStatus(w, http.StatusCreated, handle.Status())
	case errors.Is(err, collector.ErrSourceUnavailable):
		jsonError(w, http.StatusBadGateway, errCodeSourceUnavailable, err.Error())
	case errors.Is(err, manager.ErrClosed):
		jsonError(w, http.StatusServiceUnavailable, errCodeUnavailable, "collector manager is shutting down")
	default:
		h.log.Error(err, "start collector failed", "source", spec.SourceID)
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "internal server error")
	}
}

// Delete handles DELETE /api/v1/collectors/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if !h.mgr.StopCollecting(chi.URLParam(r, "id")) {
		jsonError(w, http.StatusNotFound, errCodeNotFound, "collector not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Runtime lists and controls containers. collector.EngineClient implements it.
type Runtime interface {
	ListContainers(ctx context.Context) ([]models.ContainerInfo, error)
	ContainerAction(ctx context.Context, containerID string, action models.ContainerAction) error
}

// ContainerHandler handles container endpoints.
type ContainerHandler struct {
	runtime Runtime
	log     logr.Logger
}

// NewContainerHandler creates a container handler.
func NewContainerHandler(runtime Runtime, log logr.Logger) *ContainerHandler {
	return &ContainerHandler{runtime: runtime, log: log.WithName("containers")}
}

// List handles GET /api/v1/containers.
func (h *ContainerHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.runtime.ListContainers(r.Context())
	if err != nil {
		h.log.Error(err, "list containers failed")
		jsonError(w, http.StatusBadGateway, errCodeSourceUnavailable, "container runtime unavailable")
		return
	}
	if list == nil {
		list = []models.ContainerInfo{}
	}
	jsonStatus(w, http.StatusOK, list)
}

// Action handles POST /api/v1/containers/{id}/{action}.
func (h *ContainerHandler) Action(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	action := models.ContainerAction(chi.URLParam(r, "action"))
	if !action.Valid() {
		jsonError(w, http.StatusBadRequest, errCodeValidationFailed, "action must be 'start', 'stop' or 'restart'")
		return
	}

	err := h.runtime.ContainerAction(r.Context(), id, action)
	switch {
	case err == nil:
		h.log.Info("container action completed", "action", action, "container", id)
		jsonStatus(w, http.StatusOK, map[string]string{"id": id, "action": string(action)})
	case errors.Is(err, collector.ErrContainerNotFound):
		jsonError(w, http.StatusNotFound, errCodeNotFound, "container not found")
	default:
		h.log.Error(err, "container action failed", "action", action, "container", id)
		jsonError(w, http.StatusBadGateway, errCodeSourceUnavailable, err.Error())
	}
}
