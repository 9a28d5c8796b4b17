// Package connections exposes the realtime hub's client connections.
package connections

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/good-yellow-bee/logpulse/internal/hub"
)

type dataResponse struct {
	Data any `json:"data"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Hub is the hub surface this handler reads.
type Hub interface {
	Connections() []hub.ConnInfo
	ConnState(id string) (hub.ConnState, bool)
}

// Handler handles connection endpoints.
type Handler struct {
	hub Hub
}

// NewHandler creates a connections handler.
func NewHandler(h Hub) *Handler {
	return &Handler{hub: h}
}

// List handles GET /api/v1/connections.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dataResponse{Data: h.hub.Connections()})
}

// Get handles GET /api/v1/connections/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	id := chi.URLParam(r, "id")
	state, ok := h.hub.ConnState(id)
	if !ok {
		var resp errorResponse
		resp.Error.Code = "NOT_FOUND"
		resp.Error.Message = "connection not found"
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(resp)
		return
	}
	json.NewEncoder(w).Encode(dataResponse{Data: map[string]string{"id": id, "state": state.String()}})
}
