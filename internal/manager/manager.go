// Package manager supervises the set of active log collectors and funnels
// their output into log storage through a single ingest loop.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/good-yellow-bee/logpulse/internal/collector"
	"github.com/good-yellow-bee/logpulse/internal/metrics"
	"github.com/good-yellow-bee/logpulse/internal/models"
)

// ErrClosed is returned by operations on a manager that has shut down.
var ErrClosed = errors.New("manager closed")

// Appender receives normalized entries. storage.LogStore implements it.
type Appender interface {
	Append(entry *models.LogEntry)
}

// SourceSpec is a request to collect one source.
type SourceSpec struct {
	Kind     models.SourceKind `yaml:"kind" json:"kind"`
	SourceID string            `yaml:"source_id" json:"sourceId"`
	// Target is the file path or the container id.
	Target      string          `yaml:"target" json:"target"`
	MinLevel    models.LogLevel `yaml:"min_level" json:"minLevel,omitempty"`
	FromStart   bool            `yaml:"from_start" json:"fromStart,omitempty"`
	MaxAttempts int             `yaml:"max_attempts" json:"maxAttempts,omitempty"`
}

// Validate checks the spec and fills SourceID from Target when empty.
func (s *SourceSpec) Validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("unknown source kind %q", s.Kind)
	}
	if s.Target == "" {
		return fmt.Errorf("target is required")
	}
	if s.SourceID == "" {
		s.SourceID = s.Target
	}
	if s.MinLevel != "" && !s.MinLevel.Valid() {
		return fmt.Errorf("unknown min level %q", s.MinLevel)
	}
	if s.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must be non-negative")
	}
	return nil
}

type sourceKey struct {
	kind     models.SourceKind
	sourceID string
}

// LogSourceHandle identifies one active collector.
type LogSourceHandle struct {
	Kind      models.SourceKind
	SourceID  string
	Target    string
	MinLevel  models.LogLevel
	StartedAt time.Time

	collector collector.Collector
}

// Cursor returns the collector's current position: a line number for files,
// the last entry timestamp for containers.
func (h *LogSourceHandle) Cursor() string {
	return h.collector.Status().Cursor
}

// Status returns the collector status.
func (h *LogSourceHandle) Status() collector.Status {
	return h.collector.Status()
}

// Config contains manager configuration.
type Config struct {
	// IngestBuffer is the capacity of the shared ingest channel.
	IngestBuffer int `yaml:"ingest_buffer"`
	// DrainTimeout bounds how long Shutdown waits for queued entries.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	// PollInterval is the file polling fallback interval.
	PollInterval time.Duration `yaml:"poll_interval"`
	// Backoff is the reconnect policy for container streams. A source's
	// MaxAttempts overrides Backoff.MaxAttempts.
	Backoff collector.BackoffConfig `yaml:"backoff"`
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		IngestBuffer: 1000,
		DrainTimeout: 5 * time.Second,
		PollInterval: 250 * time.Millisecond,
		Backoff:      collector.DefaultBackoffConfig(),
	}
}

type ingestItem struct {
	in       models.LogEntryInput
	minLevel models.LogLevel
}

// Manager owns the collectors and is the only writer to its Appender.
type Manager struct {
	cfg    Config
	store  Appender
	docker collector.StreamOpener
	log    logr.Logger
	newID  func() string

	ingest     chan ingestItem
	ingestDone chan struct{}
	baseCtx    context.Context
	cancelAll  context.CancelFunc

	appended atomic.Int64
	filtered atomic.Int64
	abandon  atomic.Bool

	// stopping tracks collectors being stopped outside the lock.
	stopping sync.WaitGroup

	mu       sync.Mutex
	handles  map[sourceKey]*LogSourceHandle
	degraded map[sourceKey]collector.Status
	closed   bool
}

// New creates a manager and starts its ingest loop. docker may be nil when
// no container runtime is configured.
func New(cfg Config, store Appender, docker collector.StreamOpener, log logr.Logger) *Manager {
	def := DefaultConfig()
	if cfg.IngestBuffer <= 0 {
		cfg.IngestBuffer = def.IngestBuffer
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		store:      store,
		docker:     docker,
		log:        log.WithName("manager"),
		newID:      func() string { return uuid.New().String() },
		ingest:     make(chan ingestItem, cfg.IngestBuffer),
		ingestDone: make(chan struct{}),
		baseCtx:    ctx,
		cancelAll:  cancel,
		handles:    make(map[sourceKey]*LogSourceHandle),
		degraded:   make(map[sourceKey]collector.Status),
	}
	go m.runIngest()
	return m
}

// StartCollecting starts a collector for spec. Starting a source that is
// already active returns the existing handle. A source that cannot be opened
// is recorded as degraded and an error wrapping collector.ErrSourceUnavailable
// is returned.
func (m *Manager) StartCollecting(ctx context.Context, spec SourceSpec) (*LogSourceHandle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	key := sourceKey{kind: spec.Kind, sourceID: spec.SourceID}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if h, ok := m.handles[key]; ok {
		return h, nil
	}

	// Collectors outlive the request that started them.
	emitCtx, emitCancel := context.WithCancel(m.baseCtx)

	c, err := m.newCollector(spec, m.emitter(emitCtx, spec.MinLevel))
	if err == nil {
		err = c.Start(emitCtx)
	}
	if err != nil {
		emitCancel()
		if c != nil {
			c.Stop()
		}
		if !errors.Is(err, collector.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %v", collector.ErrSourceUnavailable, err)
		}
		m.degraded[key] = collector.Status{
			Kind:      spec.Kind,
			SourceID:  spec.SourceID,
			Target:    spec.Target,
			LastError: err.Error(),
			Err:       err,
		}
		metrics.CollectorFailuresTotal.WithLabelValues(string(spec.Kind)).Inc()
		m.log.Error(err, "collector unavailable", "kind", spec.Kind, "source", spec.SourceID)
		return nil, err
	}

	delete(m.degraded, key)
	h := &LogSourceHandle{
		Kind:      spec.Kind,
		SourceID:  spec.SourceID,
		Target:    spec.Target,
		MinLevel:  spec.MinLevel,
		StartedAt: time.Now(),
		collector: &cancelOnStop{Collector: c, cancel: emitCancel},
	}
	m.handles[key] = h
	metrics.CollectorsActive.WithLabelValues(string(spec.Kind)).Inc()
	m.log.Info("started collector", "kind", spec.Kind, "source", spec.SourceID, "target", spec.Target)

	if cc, ok := c.(*collector.ContainerCollector); ok {
		go m.watchGiveUp(key, h, cc)
	}
	return h, nil
}

func (m *Manager) newCollector(spec SourceSpec, emit collector.EmitFunc) (collector.Collector, error) {
	switch spec.Kind {
	case models.SourceFile:
		fc, err := collector.NewFileCollector(collector.FileConfig{
			SourceID:     spec.SourceID,
			Path:         spec.Target,
			FromStart:    spec.FromStart,
			PollInterval: m.cfg.PollInterval,
		}, emit, m.log)
		if err != nil {
			return nil, err
		}
		return fc, nil
	case models.SourceContainer:
		if m.docker == nil {
			return nil, fmt.Errorf("%w: no container runtime configured", collector.ErrSourceUnavailable)
		}
		bo := m.cfg.Backoff
		if spec.MaxAttempts > 0 {
			bo.MaxAttempts = spec.MaxAttempts
		}
		cc, err := collector.NewContainerCollector(collector.ContainerConfig{
			SourceID:    spec.SourceID,
			ContainerID: spec.Target,
			FromStart:   spec.FromStart,
			Backoff:     bo,
		}, m.docker, emit, m.log)
		if err != nil {
			return nil, err
		}
		return cc, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", spec.Kind)
	}
}

// emitter returns the callback handed to a collector. It blocks while the
// ingest queue is full and gives up once the collector is stopped.
func (m *Manager) emitter(ctx context.Context, minLevel models.LogLevel) collector.EmitFunc {
	return func(in models.LogEntryInput) {
		select {
		case m.ingest <- ingestItem{in: in, minLevel: minLevel}:
			metrics.IngestPending.Inc()
		case <-ctx.Done():
		}
	}
}

// watchGiveUp moves a container source to the degraded list when its
// collector exhausts its reconnect attempts.
func (m *Manager) watchGiveUp(key sourceKey, h *LogSourceHandle, c *collector.ContainerCollector) {
	<-c.Done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handles[key] != h {
		return // stopped explicitly
	}
	status := c.Status()
	if status.Err == nil {
		return
	}
	delete(m.handles, key)
	m.degraded[key] = status
	metrics.CollectorsActive.WithLabelValues(string(key.kind)).Dec()
	metrics.CollectorFailuresTotal.WithLabelValues(string(key.kind)).Inc()
}

// StopCollecting stops every collector with the given source id and removes
// it, along with any degraded record. It reports whether anything was removed.
func (m *Manager) StopCollecting(sourceID string) bool {
	m.mu.Lock()
	var stopping []*LogSourceHandle
	for key, h := range m.handles {
		if key.sourceID == sourceID {
			stopping = append(stopping, h)
			delete(m.handles, key)
		}
	}
	removed := len(stopping) > 0
	for key := range m.degraded {
		if key.sourceID == sourceID {
			delete(m.degraded, key)
			removed = true
		}
	}
	m.stopping.Add(len(stopping))
	m.mu.Unlock()

	for _, h := range stopping {
		h.collector.Stop()
		metrics.CollectorsActive.WithLabelValues(string(h.Kind)).Dec()
		m.log.Info("stopped collector", "kind", h.Kind, "source", h.SourceID)
		m.stopping.Done()
	}
	return removed
}

// ListActive returns the status of every running collector followed by the
// degraded sources, ordered by kind and source id.
func (m *Manager) ListActive() []collector.Status {
	m.mu.Lock()
	statuses := make([]collector.Status, 0, len(m.handles)+len(m.degraded))
	for _, h := range m.handles {
		statuses = append(statuses, h.collector.Status())
	}
	for _, s := range m.degraded {
		statuses = append(statuses, s)
	}
	m.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].Kind != statuses[j].Kind {
			return statuses[i].Kind < statuses[j].Kind
		}
		return statuses[i].SourceID < statuses[j].SourceID
	})
	return statuses
}

// Handle returns the active handle for a source.
func (m *Manager) Handle(kind models.SourceKind, sourceID string) (*LogSourceHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[sourceKey{kind: kind, sourceID: sourceID}]
	return h, ok
}

// ActiveCount returns the number of running collectors.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Stats returns the number of appended and level-filtered entries.
func (m *Manager) Stats() (appended, filtered int64) {
	return m.appended.Load(), m.filtered.Load()
}

// runIngest is the single consumer of the ingest channel and therefore the
// only caller of Append.
func (m *Manager) runIngest() {
	defer close(m.ingestDone)
	for item := range m.ingest {
		metrics.IngestPending.Dec()
		if m.abandon.Load() {
			continue
		}
		m.process(item)
	}
}

func (m *Manager) process(item ingestItem) {
	level := item.in.Level
	if !level.Valid() {
		level = models.LevelInfo
	}
	if !level.AtLeast(item.minLevel) {
		m.filtered.Add(1)
		metrics.IngestFilteredTotal.Inc()
		return
	}

	entry := models.NewLogEntry(m.newID(), item.in)
	m.store.Append(entry)
	m.appended.Add(1)
	metrics.IngestAppendedTotal.Inc()
	metrics.CollectorEntriesTotal.WithLabelValues(string(entry.Source)).Inc()
}

// Shutdown stops all collectors, then waits for queued entries to reach
// storage until ctx or DrainTimeout expires. Entries still queued after that
// are discarded.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	handles := make([]*LogSourceHandle, 0, len(m.handles))
	for key, h := range m.handles {
		handles = append(handles, h)
		delete(m.handles, key)
	}
	m.mu.Unlock()

	// Collectors finish their current emit or abandon it once cancelled.
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *LogSourceHandle) {
			defer wg.Done()
			h.collector.Stop()
			metrics.CollectorsActive.WithLabelValues(string(h.Kind)).Dec()
		}(h)
	}
	wg.Wait()
	m.stopping.Wait()
	m.cancelAll()

	// Every emitter has returned; closing lets the ingest loop drain and exit.
	close(m.ingest)

	drainCtx, cancel := context.WithTimeout(ctx, m.cfg.DrainTimeout)
	defer cancel()
	select {
	case <-m.ingestDone:
		m.log.Info("manager stopped", "collectors", len(handles))
		return nil
	case <-drainCtx.Done():
		m.abandon.Store(true)
		m.log.Info("drain timed out, discarding queued entries", "pending", len(m.ingest))
		return fmt.Errorf("drain ingest queue: %w", drainCtx.Err())
	}
}

// cancelOnStop releases the emitter context together with the collector, so
// a collector blocked on a full ingest queue can exit.
type cancelOnStop struct {
	collector.Collector
	cancel context.CancelFunc
}

func (c *cancelOnStop) Stop() {
	c.cancel()
	c.Collector.Stop()
}
