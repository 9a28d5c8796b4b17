// Package health serves liveness and readiness endpoints backed by
// registered dependency checkers.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Overall statuses.
const (
	StatusOK       = "ok"
	StatusLive     = "live"
	StatusReady    = "ready"
	StatusNotReady = "not_ready"
)

// defaultCheckTimeout bounds each dependency check.
const defaultCheckTimeout = 3 * time.Second

// Checker is one dependency consulted by the readiness endpoint.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckResult is the outcome of one checker.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

// HealthResponse is the body of every health endpoint.
type HealthResponse struct {
	Status string                 `json:"status"`
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves /health, /health/live and /health/ready.
type Handler struct {
	mu       sync.RWMutex
	checkers []Checker

	started time.Time
	timeout time.Duration
}

// NewHandler returns a handler with no checkers; it reports ready until
// one is registered.
func NewHandler() *Handler {
	return &Handler{started: time.Now(), timeout: defaultCheckTimeout}
}

// RegisterChecker adds a dependency checker.
func (h *Handler) RegisterChecker(c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, c)
}

// Health reports that the process is serving, with its uptime.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, HealthResponse{Status: StatusOK, Uptime: h.uptime()})
}

// Live reports liveness. It never consults dependencies.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, HealthResponse{Status: StatusLive})
}

// Ready runs every checker concurrently, each under its own timeout, and
// answers 503 when any of them fails.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: StatusReady, Uptime: h.uptime(), Checks: h.runChecks(r.Context())}

	code := http.StatusOK
	for _, res := range resp.Checks {
		if !res.Healthy {
			resp.Status = StatusNotReady
			code = http.StatusServiceUnavailable
			break
		}
	}
	writeHealth(w, code, resp)
}

func (h *Handler) runChecks(ctx context.Context) map[string]CheckResult {
	h.mu.RLock()
	checkers := append([]Checker(nil), h.checkers...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		i, c := i, c
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			start := time.Now()
			err := c.Check(checkCtx)
			results[i] = CheckResult{Healthy: err == nil, Latency: time.Since(start).Round(time.Microsecond).String()}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	g.Wait()

	out := make(map[string]CheckResult, len(checkers))
	for i, c := range checkers {
		out[c.Name()] = results[i]
	}
	return out
}

func (h *Handler) uptime() string {
	return time.Since(h.started).Round(time.Second).String()
}

func writeHealth(w http.ResponseWriter, code int, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
