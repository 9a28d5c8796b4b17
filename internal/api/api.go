// Package api provides the HTTP REST API server.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"

	"github.com/good-yellow-bee/logpulse/internal/api/alerts"
	"github.com/good-yellow-bee/logpulse/internal/api/collectors"
	"github.com/good-yellow-bee/logpulse/internal/api/connections"
	"github.com/good-yellow-bee/logpulse/internal/api/health"
	"github.com/good-yellow-bee/logpulse/internal/api/logs"
)

// Config contains HTTP API server configuration.
type Config struct {
	Address         string            `yaml:"address"`
	ReadTimeout     time.Duration     `yaml:"read_timeout"`
	IdleTimeout     time.Duration     `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	RateLimitPerIP  int               `yaml:"rate_limit_per_ip"` // requests per minute, 0 uses the default, <0 disables
	TLSCertFile     string            `yaml:"tls_cert_file"`
	TLSKeyFile      string            `yaml:"tls_key_file"`
	Stream          logs.StreamConfig `yaml:"stream"`
}

// SetDefaults applies default values for missing configuration.
func (c *Config) SetDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.RateLimitPerIP == 0 {
		c.RateLimitPerIP = 600
	}
}

// TLSEnabled reports whether the server serves HTTPS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// Hub is the realtime hub mounted at /ws.
type Hub interface {
	http.Handler
	connections.Hub
}

// Deps are the components the routes are served from. Runtime and Hub
// are optional.
type Deps struct {
	Logs    logs.Store
	Rules   alerts.RuleStore
	Engine  alerts.Engine
	Manager collectors.Manager
	Runtime collectors.Runtime
	Hub     Hub
}

// Server is the HTTP API server.
type Server struct {
	config        *Config
	deps          Deps
	log           logr.Logger
	server        *http.Server
	healthHandler *health.Handler
}

// New creates a new API server.
func New(cfg *Config, deps Deps, log logr.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Logs == nil {
		return nil, fmt.Errorf("log store is required")
	}
	if deps.Rules == nil || deps.Engine == nil {
		return nil, fmt.Errorf("rule store and alert engine are required")
	}
	if deps.Manager == nil {
		return nil, fmt.Errorf("collector manager is required")
	}
	cfg.SetDefaults()

	s := &Server{
		config:        cfg,
		deps:          deps,
		log:           log.WithName("api"),
		healthHandler: health.NewHandler(),
	}

	s.server = &http.Server{
		Addr:        cfg.Address,
		Handler:     s.setupRouter(),
		ReadTimeout: cfg.ReadTimeout,
		// No WriteTimeout: SSE streams and websockets are long lived and
		// bound themselves.
		IdleTimeout: cfg.IdleTimeout,
	}
	if cfg.TLSEnabled() {
		s.server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS13}
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run listens on the configured address and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errChan := make(chan error, 1)

	go func() {
		s.log.Info("HTTP API listening", "address", ln.Addr().String(), "tls", s.config.TLSEnabled())
		var err error
		if s.config.TLSEnabled() {
			err = s.server.ServeTLS(ln, s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info("shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// RegisterHealthChecker adds a readiness checker.
func (s *Server) RegisterHealthChecker(c health.Checker) {
	s.healthHandler.RegisterChecker(c)
}
