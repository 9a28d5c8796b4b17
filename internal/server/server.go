// Package server assembles the logpulse components into one runnable
// application with an explicit Start and Shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/good-yellow-bee/logpulse/internal/alerting"
	"github.com/good-yellow-bee/logpulse/internal/api"
	"github.com/good-yellow-bee/logpulse/internal/api/alerts"
	"github.com/good-yellow-bee/logpulse/internal/api/health"
	"github.com/good-yellow-bee/logpulse/internal/collector"
	"github.com/good-yellow-bee/logpulse/internal/hub"
	"github.com/good-yellow-bee/logpulse/internal/manager"
	"github.com/good-yellow-bee/logpulse/internal/metrics"
	"github.com/good-yellow-bee/logpulse/internal/models"
	"github.com/good-yellow-bee/logpulse/internal/notifier"
	"github.com/good-yellow-bee/logpulse/internal/storage"
)

// Config holds the settings of every component.
type Config struct {
	API            api.Config
	MetricsAddress string // empty disables the metrics listener

	StorageCapacity int
	SQLitePath      string // empty keeps rules in memory

	Hub      hub.Config
	Manager  manager.Config
	Alerting alerting.Options
	// RulesFile seeds rules on start. Rules already present are kept.
	RulesFile string

	// DockerHost enables container sources when set.
	DockerHost string

	Collectors []manager.SourceSpec

	Notifier notifier.Config
	Slack    []notifier.SlackConfig

	MetricsInterval    time.Duration
	ContainersInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.StorageCapacity <= 0 {
		c.StorageCapacity = storage.DefaultCapacity
	}
	if c.Alerting.AlertBufferSize <= 0 {
		c.Alerting.AlertBufferSize = alerting.DefaultOptions().AlertBufferSize
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 2 * time.Second
	}
	if c.ContainersInterval <= 0 {
		c.ContainersInterval = 5 * time.Second
	}
}

// ruleStore is what the application needs from rule persistence.
// storage.SQLiteRuleStore and alerting.MemoryRuleSource implement it.
type ruleStore interface {
	alerting.RuleSource
	alerts.RuleStore
	MarkTriggered(ctx context.Context, id string, at time.Time) error
}

// Server owns every component.
type Server struct {
	cfg Config
	log logr.Logger

	db         *storage.SQLiteStorage
	rules      ruleStore
	store      *storage.LogStore
	engine     *alerting.Engine
	hub        *hub.Hub
	docker     collector.DockerClient
	manager    *manager.Manager
	dispatcher *notifier.Dispatcher
	api        *api.Server
	metrics    *metrics.Server

	detach []func()

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	runCtx   context.Context
	apiAddr  string
	loopDone chan struct{}
}

// New constructs every component. Nothing runs until Start.
func New(cfg Config, log logr.Logger) (*Server, error) {
	cfg.setDefaults()
	s := &Server{cfg: cfg, log: log.WithName("server")}

	if err := s.openRules(); err != nil {
		return nil, err
	}

	s.store = storage.NewLogStore(cfg.StorageCapacity)
	s.engine = alerting.NewEngine(s.rules, cfg.Alerting, log)

	if cfg.DockerHost != "" {
		client, err := collector.NewEngineClient(cfg.DockerHost)
		if err != nil {
			s.closeRules()
			return nil, fmt.Errorf("docker client: %w", err)
		}
		s.docker = client
	}

	var actions hub.ActionHandler
	if s.docker != nil {
		actions = s.docker
	}
	s.hub = hub.New(cfg.Hub, actions, log)

	// A nil interface keeps the manager from dialing a missing runtime.
	var opener collector.StreamOpener
	if s.docker != nil {
		opener = s.docker
	}
	s.manager = manager.New(cfg.Manager, s.store, opener, log)

	s.dispatcher = notifier.NewDispatcher(cfg.Notifier, log)
	for _, sc := range cfg.Slack {
		n, err := notifier.NewSlackNotifier(sc)
		if err != nil {
			s.closeRules()
			return nil, fmt.Errorf("slack notifier: %w", err)
		}
		s.dispatcher.Register(n)
	}

	deps := api.Deps{
		Logs:    s.store,
		Rules:   s.rules,
		Engine:  s.engine,
		Manager: s.manager,
		Hub:     s.hub,
	}
	if s.docker != nil {
		deps.Runtime = s.docker
	}
	apiCfg := cfg.API
	apiServer, err := api.New(&apiCfg, deps, log)
	if err != nil {
		s.closeRules()
		return nil, fmt.Errorf("api server: %w", err)
	}
	s.api = apiServer
	s.api.RegisterHealthChecker(health.NewFuncChecker("collectors", s.checkCollectors))
	if s.db != nil {
		s.api.RegisterHealthChecker(health.NewPingChecker("sqlite", s.db))
	}

	if cfg.MetricsAddress != "" {
		s.metrics = metrics.NewServer(cfg.MetricsAddress, log)
	}
	return s, nil
}

func (s *Server) openRules() error {
	if s.cfg.SQLitePath == "" {
		s.rules = alerting.NewMemoryRuleSource()
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.SQLitePath), 0o750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	db := storage.NewSQLiteStorage(s.cfg.SQLitePath)
	if err := db.Open(); err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return fmt.Errorf("migrate database: %w", err)
	}
	s.db = db
	s.rules = db.Rules()
	s.log.Info("rule database ready", "path", s.cfg.SQLitePath)
	return nil
}

func (s *Server) closeRules() {
	if s.db != nil {
		s.db.Close()
	}
}

// seedRules applies the rules file, skipping rules that already exist.
func (s *Server) seedRules(ctx context.Context) error {
	if s.cfg.RulesFile == "" {
		return nil
	}
	rules, err := alerting.LoadRulesFromFile(s.cfg.RulesFile)
	if err != nil {
		return err
	}
	exists := func(ctx context.Context, id string) bool {
		_, err := s.rules.GetByID(ctx, id)
		return err == nil
	}
	created, err := alerting.SeedRules(ctx, s.rules, rules, exists)
	if err != nil {
		return err
	}
	s.engine.InvalidateRulesCache()
	s.log.Info("seeded alert rules", "file", s.cfg.RulesFile, "created", created, "total", len(rules))
	return nil
}

func (s *Server) checkCollectors(context.Context) error {
	for _, st := range s.manager.ListActive() {
		if !st.Running {
			return fmt.Errorf("collector %s/%s is not running: %s", st.Kind, st.SourceID, st.LastError)
		}
	}
	return nil
}

// Start seeds rules, wires the feeds, starts the configured collectors and
// the listeners. It returns once everything is running.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server already started")
	}
	if s.stopped {
		return errors.New("server is shut down")
	}

	if err := s.seedRules(ctx); err != nil {
		return fmt.Errorf("seed rules: %w", err)
	}

	ln, err := net.Listen("tcp", s.api.Address())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.api.Address(), err)
	}
	var metricsLn net.Listener
	if s.metrics != nil {
		metricsLn, err = net.Listen("tcp", s.cfg.MetricsAddress)
		if err != nil {
			ln.Close()
			return fmt.Errorf("listen %s: %w", s.cfg.MetricsAddress, err)
		}
	}

	// The engine subscribes first so alerts are evaluated before the
	// entry reaches dashboards.
	s.detach = append(s.detach,
		s.engine.Attach(s.store),
		s.store.Subscribe(func(e *models.LogEntry) { s.hub.BroadcastLog(e) }),
	)

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	s.cancel = cancel
	s.group = g
	s.runCtx = gctx
	s.apiAddr = ln.Addr().String()
	s.loopDone = make(chan struct{})

	g.Go(func() error { return s.api.Serve(gctx, ln) })
	if s.metrics != nil {
		g.Go(func() error { return s.metrics.Serve(metricsLn) })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.metrics.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error { return s.dispatcher.Run(gctx) })
	g.Go(func() error { return s.sampleMetrics(gctx) })
	if s.docker != nil {
		g.Go(func() error { return s.pollContainers(gctx) })
	}
	go s.forwardAlerts()

	for _, spec := range s.cfg.Collectors {
		if _, err := s.manager.StartCollecting(ctx, spec); err != nil {
			// Unavailable sources are reported through ListActive.
			s.log.Error(err, "failed to start configured collector", "kind", spec.Kind, "target", spec.Target)
		}
	}

	s.started = true
	s.log.Info("logpulse started", "api", s.apiAddr, "collectors", s.manager.ActiveCount(), "notifiers", s.dispatcher.Names())
	return nil
}

// forwardAlerts fans engine alerts out to the hub and the notifiers and
// records the trigger time. It returns when the engine closes its channel.
func (s *Server) forwardAlerts() {
	defer close(s.loopDone)
	for ev := range s.engine.Alerts() {
		s.hub.BroadcastAlert(ev)
		s.dispatcher.Notify(ev)

		if ev.RuleID == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.rules.MarkTriggered(ctx, ev.RuleID, ev.TriggeredAt); err != nil {
			s.log.Error(err, "failed to record alert trigger", "rule", ev.RuleID)
		}
		cancel()
	}
}

// Run starts the server and blocks until ctx is canceled or a listener
// fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		s.Shutdown(context.Background())
		return err
	}
	select {
	case <-ctx.Done():
	case <-s.runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops the collectors, drains queued entries into storage, then
// stops alerting, the hub and the listeners. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	var errs []error
	if err := s.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("manager: %w", err))
	}
	for _, detach := range s.detach {
		detach()
	}

	s.engine.Close()
	if started {
		<-s.loopDone
	}
	if err := s.hub.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("hub: %w", err))
	}

	if started {
		s.cancel()
		if err := s.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.dispatcher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("notifier: %w", err))
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if c, ok := s.docker.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("docker client: %w", err))
		}
	}

	s.log.Info("logpulse stopped")
	return errors.Join(errs...)
}

// Addr returns the API listen address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiAddr
}

// Store returns the log store.
func (s *Server) Store() *storage.LogStore {
	return s.store
}

// Manager returns the collector manager.
func (s *Server) Manager() *manager.Manager {
	return s.manager
}

// Engine returns the alert engine.
func (s *Server) Engine() *alerting.Engine {
	return s.engine
}

// Hub returns the realtime hub.
func (s *Server) Hub() *hub.Hub {
	return s.hub
}

// Dispatcher returns the notification dispatcher.
func (s *Server) Dispatcher() *notifier.Dispatcher {
	return s.dispatcher
}
