package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/good-yellow-bee/logpulse/internal/api/alerts"
	"github.com/good-yellow-bee/logpulse/internal/api/collectors"
	"github.com/good-yellow-bee/logpulse/internal/api/connections"
	"github.com/good-yellow-bee/logpulse/internal/api/logs"
	"github.com/good-yellow-bee/logpulse/internal/api/middleware"
)

// setupRouter creates and configures the chi router with all routes.
func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestLogger(s.log))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Recoverer(s.log))
	r.Use(middleware.PrometheusMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		JSONError(w, ErrRouteNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		JSONError(w, ErrMethodNotAllowed)
	})

	r.Route("/api/v1", func(r chi.Router) {
		if s.config.RateLimitPerIP > 0 {
			r.Use(middleware.RateLimitByIP(middleware.NewRateLimiter(s.config.RateLimitPerIP)))
		}

		r.Route("/logs", func(r chi.Router) {
			h := logs.NewHandler(s.deps.Logs, s.config.Stream, s.log)
			r.Get("/", h.Query)
			r.Get("/stats", h.Stats)
			r.Get("/stream", h.Stream)
		})

		r.Route("/alerts", func(r chi.Router) {
			h := alerts.NewHandler(s.deps.Rules, s.deps.Engine, s.log)
			r.Get("/", h.List)
			r.Post("/", h.Create)
			r.Get("/stats", h.Stats)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.Get)
				r.Put("/", h.Update)
				r.Delete("/", h.Delete)
				r.Post("/toggle", h.Toggle)
			})
		})

		r.Route("/collectors", func(r chi.Router) {
			h := collectors.NewHandler(s.deps.Manager, s.log)
			r.Get("/", h.List)
			r.Post("/", h.Create)
			r.Delete("/{id}", h.Delete)
		})

		if s.deps.Runtime != nil {
			r.Route("/containers", func(r chi.Router) {
				h := collectors.NewContainerHandler(s.deps.Runtime, s.log)
				r.Get("/", h.List)
				r.Post("/{id}/{action}", h.Action)
			})
		}

		if s.deps.Hub != nil {
			r.Route("/connections", func(r chi.Router) {
				h := connections.NewHandler(s.deps.Hub)
				r.Get("/", h.List)
				r.Get("/{id}", h.Get)
			})
		}
	})

	if s.deps.Hub != nil {
		r.Handle("/ws", s.deps.Hub)
	}

	r.Get("/health", s.healthHandler.Health)
	r.Get("/health/live", s.healthHandler.Live)
	r.Get("/health/ready", s.healthHandler.Ready)

	return r
}
