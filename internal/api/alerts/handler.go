// Package alerts provides HTTP handlers for alert rule management.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"

	"github.com/good-yellow-bee/logpulse/internal/alerting"
	"github.com/good-yellow-bee/logpulse/internal/models"
	"github.com/good-yellow-bee/logpulse/internal/storage"
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
	errCodeBadRequest       = "BAD_REQUEST"
	errCodeValidationFailed = "VALIDATION_FAILED"
	errCodeNotFound         = "NOT_FOUND"
	errCodeConflict         = "CONFLICT"
	errCodeInternalError    = "INTERNAL_ERROR"
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

func jsonOK(w http.ResponseWriter, data any) {
	jsonStatus(w, http.StatusOK, data)
}

// RuleStore persists alert rules. storage.SQLiteRuleStore and
// alerting.MemoryRuleSource implement it.
type RuleStore interface {
	Create(ctx context.Context, rule *models.AlertRule) error
	GetByID(ctx context.Context, id string) (*models.AlertRule, error)
	Update(ctx context.Context, rule *models.AlertRule) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter models.RuleFilter) ([]*models.AlertRule, error)
}

// Engine is the part of the alert engine the handlers drive.
type Engine interface {
	ToggleRule(ctx context.Context, id string) (*models.AlertRule, error)
	InvalidateRulesCache()
	Stats() alerting.EngineStats
}

// Handler handles alert rule endpoints.
type Handler struct {
	rules  RuleStore
	engine Engine
	log    logr.Logger
}

// NewHandler creates a new alerts handler.
func NewHandler(rules RuleStore, engine Engine, log logr.Logger) *Handler {
	return &Handler{rules: rules, engine: engine, log: log.WithName("alerts")}
}

// RuleRequest is the body of create and update requests.
type RuleRequest struct {
	ID              string                `json:"id,omitempty"`
	Name            string                `json:"name"`
	Enabled         bool                  `json:"enabled"`
	Condition       models.AlertCondition `json:"condition"`
	Severity        models.Severity       `json:"severity"`
	CooldownSeconds int                   `json:"cooldownSeconds"`
	Scope           models.RuleScope      `json:"scope"`
	UserID          string                `json:"userId,omitempty"`
}

func (req *RuleRequest) toRule() *models.AlertRule {
	return &models.AlertRule{
		ID:              req.ID,
		Name:            strings.TrimSpace(req.Name),
		Enabled:         req.Enabled,
		Condition:       req.Condition,
		Severity:        req.Severity,
		CooldownSeconds: req.CooldownSeconds,
		Scope:           req.Scope,
		UserID:          req.UserID,
	}
}

// decodeRule reads and validates a rule from the request body.
func decodeRule(w http.ResponseWriter, r *http.Request) (*models.AlertRule, bool) {
	var req RuleRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, "invalid request body")
		return nil, false
	}
	if err := ValidateName(req.Name); err != nil {
		jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
		return nil, false
	}
	rule := req.toRule()
	if err := alerting.ValidateRule(rule); err != nil {
		jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
		return nil, false
	}
	return rule, true
}

// storeError maps storage errors to responses.
func (h *Handler) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		jsonError(w, http.StatusNotFound, errCodeNotFound, "alert rule not found")
	case errors.Is(err, storage.ErrAlreadyExists):
		jsonError(w, http.StatusConflict, errCodeConflict, "alert rule already exists")
	default:
		h.log.Error(err, "rule store failed", "op", op)
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "internal server error")
	}
}

// List handles GET /api/v1/alerts?scope=user&user_id=u1.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope, err := ValidateScope(q.Get("scope"))
	if err != nil {
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, err.Error())
		return
	}

	rules, err := h.rules.List(r.Context(), models.RuleFilter{Scope: scope, UserID: q.Get("user_id")})
	if err != nil {
		h.storeError(w, "list", err)
		return
	}
	if rules == nil {
		rules = []*models.AlertRule{}
	}
	jsonOK(w, rules)
}

// Get handles GET /api/v1/alerts/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.storeError(w, "get", err)
		return
	}
	jsonOK(w, rule)
}

// Create handles POST /api/v1/alerts.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	rule, ok := decodeRule(w, r)
	if !ok {
		return
	}
	if err := h.rules.Create(r.Context(), rule); err != nil {
		h.storeError(w, "create", err)
		return
	}
	h.engine.InvalidateRulesCache()
	h.log.Info("alert rule created", "rule", rule.ID, "name", rule.Name)
	jsonStatus(w, http.StatusCreated, rule)
}

// Update handles PUT /api/v1/alerts/{id}.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	rule, ok := decodeRule(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if rule.ID != "" && rule.ID != id {
		jsonError(w, http.StatusBadRequest, errCodeValidationFailed, "id in body does not match path")
		return
	}
	rule.ID = id

	if err := h.rules.Update(r.Context(), rule); err != nil {
		h.storeError(w, "update", err)
		return
	}
	h.engine.InvalidateRulesCache()

	updated, err := h.rules.GetByID(r.Context(), id)
	if err != nil {
		h.storeError(w, "get", err)
		return
	}
	jsonOK(w, updated)
}

// Delete handles DELETE /api/v1/alerts/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.rules.Delete(r.Context(), id); err != nil {
		h.storeError(w, "delete", err)
		return
	}
	h.engine.InvalidateRulesCache()
	h.log.Info("alert rule deleted", "rule", id)
	w.WriteHeader(http.StatusNoContent)
}

// Toggle handles POST /api/v1/alerts/{id}/toggle.
func (h *Handler) Toggle(w http.ResponseWriter, r *http.Request) {
	rule, err := h.engine.ToggleRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.storeError(w, "toggle", err)
		return
	}
	jsonOK(w, rule)
}

// Stats handles GET /api/v1/alerts/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	jsonOK(w, h.engine.Stats())
}
