// Package notifier delivers alert events to external channels.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/good-yellow-bee/logpulse/internal/metrics"
	"github.com/good-yellow-bee/logpulse/internal/models"
)

// Notifier is the interface for all notification channels.
type Notifier interface {
	// Name returns the notifier name (e.g., "slack", "ops-webhook").
	Name() string
	// Send delivers one alert event.
	Send(ctx context.Context, event *models.AlertEvent) error
	// Close releases any resources.
	Close() error
}

// ErrRateLimited is returned when a notification is dropped due to rate limiting.
var ErrRateLimited = errors.New("notification rate limited")

// Config configures a Dispatcher.
type Config struct {
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	QueueSize   int             `yaml:"queue_size"`
	SendTimeout time.Duration   `yaml:"send_timeout"`
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		RateLimit:   DefaultRateLimitConfig(),
		QueueSize:   100,
		SendTimeout: 30 * time.Second,
	}
}

// Dispatcher fans alert events out to its notifiers. Notify queues an
// event without blocking; Run delivers queued events.
type Dispatcher struct {
	mu          sync.RWMutex
	notifiers   map[string]Notifier
	rateLimiter *RateLimiter
	queue       chan *models.AlertEvent
	timeout     time.Duration
	log         logr.Logger
}

// NewDispatcher creates a dispatcher with no notifiers.
func NewDispatcher(cfg Config, log logr.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	return &Dispatcher{
		notifiers:   make(map[string]Notifier),
		rateLimiter: NewRateLimiter(cfg.RateLimit),
		queue:       make(chan *models.AlertEvent, cfg.QueueSize),
		timeout:     cfg.SendTimeout,
		log:         log.WithName("notifier"),
	}
}

// Register adds a notifier, replacing any notifier with the same name.
func (d *Dispatcher) Register(n Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifiers[n.Name()] = n
}

// Unregister removes a notifier from the dispatcher.
func (d *Dispatcher) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.notifiers, name)
}

// Get returns a notifier by name.
func (d *Dispatcher) Get(name string) (Notifier, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.notifiers[name]
	return n, ok
}

// Names lists the registered notifiers in order.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.notifiers))
	for name := range d.notifiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Notify queues event for delivery. It reports false when the queue is full.
func (d *Dispatcher) Notify(event *models.AlertEvent) bool {
	select {
	case d.queue <- event:
		return true
	default:
		metrics.NotificationsTotal.WithLabelValues("dispatcher", "queue_full").Inc()
		d.log.Info("notification queue full, dropping alert", "rule", event.RuleName, "alert", event.ID)
		return false
	}
}

// Run delivers queued events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-d.queue:
			sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
			if err := d.Dispatch(sendCtx, event); err != nil && !errors.Is(err, ErrRateLimited) {
				d.log.Error(err, "notification failed", "rule", event.RuleName, "alert", event.ID)
			}
			cancel()
		}
	}
}

// Dispatch sends event to every registered notifier. It returns
// ErrRateLimited when the event is dropped by the rate limiter.
func (d *Dispatcher) Dispatch(ctx context.Context, event *models.AlertEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(d.notifiers) == 0 {
		return nil
	}

	if !d.rateLimiter.Allow() {
		metrics.NotificationsTotal.WithLabelValues("dispatcher", "rate_limited").Inc()
		d.log.V(1).Info("notification rate limited", "rule", event.RuleName)
		return ErrRateLimited
	}

	var errs []error
	for name, n := range d.notifiers {
		if err := n.Send(ctx, event); err != nil {
			metrics.NotificationsTotal.WithLabelValues(name, "failed").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(name, "sent").Inc()
	}
	return errors.Join(errs...)
}

// RateLimitStats returns the rate limiter statistics.
func (d *Dispatcher) RateLimitStats() RateLimitStats {
	return d.rateLimiter.Stats()
}

// Close closes all registered notifiers.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for name, n := range d.notifiers {
		if err := n.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	d.notifiers = make(map[string]Notifier)
	return errors.Join(errs...)
}
