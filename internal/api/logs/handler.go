// Package logs provides HTTP handlers for log query and streaming endpoints.
package logs

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/good-yellow-bee/logpulse/internal/models"
	"github.com/good-yellow-bee/logpulse/internal/storage"
)

// Response helpers (local to avoid import cycle with api package)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiResponse struct {
	Data  any       `json:"data,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

const (
	errCodeBadRequest    = "BAD_REQUEST"
	errCodeInternalError = "INTERNAL_ERROR"
	maxFilterLength      = 1000
	maxStatsWindow       = 24 * time.Hour
	defaultStatsWindow   = time.Minute
)

func jsonError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Error: &apiError{Code: code, Message: message}})
}

func jsonOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse{Data: data})
}

// Store is the log storage surface used by the handlers.
// storage.LogStore implements it.
type Store interface {
	Query(filter storage.LogFilter) (*storage.LogQueryResult, error)
	Stats(window time.Duration) (*storage.LogStats, error)
	Subscribe(fn storage.Subscriber) (unsubscribe func())
}

// StreamConfig bounds SSE streams.
type StreamConfig struct {
	Buffer            int           `yaml:"buffer"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxDuration       time.Duration `yaml:"max_duration"`
}

// Handler handles log query and streaming endpoints.
type Handler struct {
	store  Store
	stream StreamConfig
	log    logr.Logger
}

// NewHandler creates a new logs handler.
func NewHandler(store Store, stream StreamConfig, log logr.Logger) *Handler {
	if stream.Buffer <= 0 {
		stream.Buffer = 256
	}
	if stream.HeartbeatInterval <= 0 {
		stream.HeartbeatInterval = 15 * time.Second
	}
	if stream.MaxDuration <= 0 {
		stream.MaxDuration = 30 * time.Minute
	}
	return &Handler{store: store, stream: stream, log: log.WithName("logs")}
}

// StatsResponse is the payload of GET /api/v1/logs/stats.
type StatsResponse struct {
	*storage.LogStats
	Window           string  `json:"window"`
	EntriesPerSecond float64 `json:"entriesPerSecond"`
}

// splitParam merges repeated and comma separated query values.
func splitParam(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// parseFilter builds a storage filter from query parameters:
// level, source, source_id (repeatable or comma separated), since, until
// (RFC3339), q, limit and offset.
func parseFilter(r *http.Request) (storage.LogFilter, error) {
	q := r.URL.Query()
	var f storage.LogFilter

	for _, l := range splitParam(q["level"]) {
		level, ok := models.ParseLogLevel(l)
		if !ok {
			return f, errors.New("unknown level " + strconv.Quote(l))
		}
		f.Levels = append(f.Levels, level)
	}
	for _, s := range splitParam(q["source"]) {
		f.Sources = append(f.Sources, models.SourceKind(strings.ToLower(s)))
	}
	f.SourceIDs = splitParam(q["source_id"])

	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		return f, errors.New("invalid since time format (use RFC3339)")
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		return f, errors.New("invalid until time format (use RFC3339)")
	}

	f.MessageContains = q.Get("q")
	if len(f.MessageContains) > maxFilterLength {
		return f, errors.New("search text too long")
	}

	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			return f, errors.New("limit must be an integer")
		}
	}
	if v := q.Get("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil {
			return f, errors.New("offset must be an integer")
		}
	}
	return f, f.Validate()
}

// Query handles GET /api/v1/logs.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, err.Error())
		return
	}

	result, err := h.store.Query(filter)
	if errors.Is(err, storage.ErrInvalidArgument) {
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, err.Error())
		return
	}
	if err != nil {
		h.log.Error(err, "log query failed")
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "internal server error")
		return
	}
	jsonOK(w, result)
}

// Stats handles GET /api/v1/logs/stats?window=5m.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	window := defaultStatsWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 || d > maxStatsWindow {
			jsonError(w, http.StatusBadRequest, errCodeBadRequest, "window must be a positive duration up to 24h")
			return
		}
		window = d
	}

	stats, err := h.store.Stats(window)
	if err != nil {
		h.log.Error(err, "log stats failed")
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "internal server error")
		return
	}
	jsonOK(w, &StatsResponse{
		LogStats:         stats,
		Window:           window.String(),
		EntriesPerSecond: float64(stats.Total) / window.Seconds(),
	})
}
