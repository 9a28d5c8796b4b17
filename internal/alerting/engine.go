package alerting

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/good-yellow-bee/logpulse/internal/metrics"
	"github.com/good-yellow-bee/logpulse/internal/models"
	"github.com/good-yellow-bee/logpulse/internal/storage"
)

const (
	refreshTimeout = 5 * time.Second
	// refreshRetry spaces out reload attempts while the rule source fails.
	refreshRetry = time.Second
)

// EntryFeed delivers appended entries to subscribers in append order.
type EntryFeed interface {
	Subscribe(fn storage.Subscriber) (unsubscribe func())
}

// Options configures the alert engine.
type Options struct {
	// AlertBufferSize is the size of the alert channel buffer.
	AlertBufferSize int
	// RefreshInterval reloads rules even without invalidation. Zero disables.
	RefreshInterval time.Duration
	// Visibility gates user scoped rules. Without it user rules see nothing.
	Visibility Visibility
}

// DefaultOptions returns default engine options.
func DefaultOptions() Options {
	return Options{
		AlertBufferSize: 100,
		RefreshInterval: time.Minute,
	}
}

// Engine evaluates log entries against the active rules of a RuleSource.
//
// Evaluation is serialized: entries are evaluated one at a time in the order
// they are passed in, and window state is only touched during evaluation.
type Engine struct {
	source RuleSource
	opts   Options
	log    logr.Logger
	now    func() time.Time

	mu            sync.Mutex
	rules         []*compiledRule
	loaded        bool
	loadedAt      time.Time
	retryAt       time.Time
	windows       windowSet
	versions      map[string]time.Time
	lastTriggered map[string]time.Time

	stale  atomic.Bool
	closed atomic.Bool
	alerts chan *models.AlertEvent

	stats engineStats
}

type engineStats struct {
	evaluated  atomic.Int64
	triggered  atomic.Int64
	suppressed atomic.Int64
	dropped    atomic.Int64
}

// EngineStats is a snapshot of engine counters.
type EngineStats struct {
	EntriesEvaluated int64 `json:"entriesEvaluated"`
	AlertsTriggered  int64 `json:"alertsTriggered"`
	AlertsSuppressed int64 `json:"alertsSuppressed"`
	AlertsDropped    int64 `json:"alertsDropped"`
	RulesActive      int   `json:"rulesActive"`
}

// NewEngine creates an engine reading rules from source.
func NewEngine(source RuleSource, opts Options, log logr.Logger) *Engine {
	if opts.AlertBufferSize <= 0 {
		opts.AlertBufferSize = DefaultOptions().AlertBufferSize
	}
	return &Engine{
		source:        source,
		opts:          opts,
		log:           log.WithName("alerting"),
		now:           time.Now,
		windows:       make(windowSet),
		versions:      make(map[string]time.Time),
		lastTriggered: make(map[string]time.Time),
		alerts:        make(chan *models.AlertEvent, opts.AlertBufferSize),
	}
}

// Alerts returns the channel where triggered alerts are sent. It is closed by Close.
func (e *Engine) Alerts() <-chan *models.AlertEvent {
	return e.alerts
}

// Attach subscribes the engine to feed and returns the unsubscribe function.
func (e *Engine) Attach(feed EntryFeed) (detach func()) {
	return feed.Subscribe(func(entry *models.LogEntry) {
		e.Evaluate(entry)
	})
}

// InvalidateRulesCache marks the rule cache stale. The next evaluation reloads it.
func (e *Engine) InvalidateRulesCache() {
	e.stale.Store(true)
}

// ToggleRule flips a rule in the source, invalidates the cache and clears
// the rule's window.
func (e *Engine) ToggleRule(ctx context.Context, id string) (*models.AlertRule, error) {
	rule, err := e.source.ToggleRule(ctx, id)
	if err != nil {
		return nil, err
	}
	e.InvalidateRulesCache()

	e.mu.Lock()
	delete(e.windows, id)
	e.mu.Unlock()

	e.log.Info("alert rule toggled", "rule", rule.Name, "enabled", rule.Enabled)
	return rule, nil
}

// Evaluate evaluates a single log entry against all rules and returns the
// events it triggered.
func (e *Engine) Evaluate(entry *models.LogEntry) []*models.AlertEvent {
	return e.EvaluateAt(entry, e.now())
}

// EvaluateAt evaluates an entry as if observed at now.
func (e *Engine) EvaluateAt(entry *models.LogEntry, now time.Time) []*models.AlertEvent {
	if entry == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() {
		return nil
	}
	e.refreshLocked(now)
	e.stats.evaluated.Add(1)

	var events []*models.AlertEvent
	for _, cr := range e.rules {
		rule := cr.rule
		if rule.Scope == models.ScopeUser && !e.visibleTo(rule.UserID, entry) {
			continue
		}

		matched, err := cr.matches(entry)
		if err != nil {
			e.log.V(1).Info("rule evaluation failed", "rule", rule.Name, "error", err.Error())
			continue
		}
		if !matched {
			continue
		}

		var ev *models.AlertEvent
		switch rule.Condition.Type {
		case models.ConditionFrequency:
			ev = e.evaluateFrequency(cr, entry, now)
		case models.ConditionKeyword:
			ev = e.trigger(cr, now, []*models.LogEntry{entry}, 1,
				fmt.Sprintf("Keyword match: %s", strings.Join(rule.Condition.Terms, ", ")))
		case models.ConditionPattern:
			ev = e.trigger(cr, now, []*models.LogEntry{entry}, 1,
				fmt.Sprintf("Pattern match: %s", rule.Condition.Pattern))
		}
		if ev == nil {
			continue
		}

		events = append(events, ev)
		e.publish(ev)
	}

	return events
}

func (e *Engine) visibleTo(userID string, entry *models.LogEntry) bool {
	return e.opts.Visibility != nil && e.opts.Visibility.CanView(userID, entry)
}

// evaluateFrequency records a matching entry in the rule's window and
// triggers once the count reaches the threshold.
func (e *Engine) evaluateFrequency(cr *compiledRule, entry *models.LogEntry, now time.Time) *models.AlertEvent {
	w := e.windows.getOrCreate(cr.id(), cr.window)
	count := w.AddAt(now, entry)

	cond := cr.rule.Condition
	if count < cond.Threshold {
		return nil
	}

	ev := e.trigger(cr, now, w.Entries(), count,
		fmt.Sprintf("Frequency exceeded: %d entries in %ds (threshold: %d)", count, cond.WindowSeconds, cond.Threshold))
	if ev != nil {
		// The triggering entries must not count toward the next alert.
		w.Reset()
	}
	return ev
}

// trigger applies the cooldown and builds the event.
func (e *Engine) trigger(cr *compiledRule, now time.Time, entries []*models.LogEntry, count int, message string) *models.AlertEvent {
	rule := cr.rule
	if last, ok := e.lastTriggered[cr.id()]; ok && now.Before(last.Add(rule.Cooldown())) {
		e.stats.suppressed.Add(1)
		return nil
	}
	e.lastTriggered[cr.id()] = now
	e.stats.triggered.Add(1)

	return &models.AlertEvent{
		ID:             uuid.New().String(),
		RuleID:         rule.ID,
		RuleName:       rule.Name,
		Severity:       rule.Severity,
		Message:        message,
		TriggeredAt:    now,
		Count:          count,
		Scope:          rule.Scope,
		UserID:         rule.UserID,
		MatchedEntries: entries,
	}
}

// publish sends ev without blocking; a full channel drops it.
func (e *Engine) publish(ev *models.AlertEvent) {
	metrics.AlertsTriggeredTotal.WithLabelValues(string(ev.Severity)).Inc()
	select {
	case e.alerts <- ev:
	default:
		dropped := e.stats.dropped.Add(1)
		metrics.AlertsDroppedTotal.Inc()
		if dropped == 1 || dropped%100 == 0 {
			e.log.Info("alert channel full, dropping alerts", "dropped", dropped)
		}
	}
}

// refreshLocked reloads the rule cache when it is missing, invalidated or
// older than RefreshInterval. On failure the previous cache stays in use.
func (e *Engine) refreshLocked(now time.Time) {
	expired := e.opts.RefreshInterval > 0 && now.Sub(e.loadedAt) >= e.opts.RefreshInterval
	if e.loaded && !expired && !e.stale.Load() {
		return
	}
	if now.Before(e.retryAt) {
		return
	}
	e.stale.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	rules, err := e.source.GetActiveRules(ctx, models.RuleFilter{})
	cancel()
	if err != nil {
		e.stale.Store(true)
		e.retryAt = now.Add(refreshRetry)
		metrics.AlertRuleReloadErrors.Inc()
		e.log.Error(err, "failed to load alert rules, keeping previous rules")
		return
	}

	compiled := make([]*compiledRule, 0, len(rules))
	versions := make(map[string]time.Time, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		cr, err := compileRule(r)
		if err != nil {
			e.log.Error(err, "skipping alert rule", "rule", r.Name)
			continue
		}
		if cr.rule.Scope == "" {
			cr.rule.Scope = models.ScopeGlobal
		}
		id := cr.id()

		// An edited or re-enabled rule starts with an empty window.
		if prev, ok := e.versions[id]; ok && !prev.Equal(cr.version()) {
			delete(e.windows, id)
		}
		versions[id] = cr.version()

		if r.LastTriggeredAt != nil {
			if last, ok := e.lastTriggered[id]; !ok || r.LastTriggeredAt.After(last) {
				e.lastTriggered[id] = *r.LastTriggeredAt
			}
		}
		compiled = append(compiled, cr)
	}

	// Disabled or deleted rules keep no window state.
	for id := range e.windows {
		if _, ok := versions[id]; !ok {
			delete(e.windows, id)
		}
	}

	e.rules = compiled
	e.versions = versions
	e.loaded = true
	e.loadedAt = now
	e.retryAt = time.Time{}
	metrics.AlertRulesActive.Set(float64(len(compiled)))
	e.log.V(1).Info("alert rules loaded", "count", len(compiled))
}

// Rules returns copies of the cached rules.
func (e *Engine) Rules() []*models.AlertRule {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*models.AlertRule, len(e.rules))
	for i, cr := range e.rules {
		out[i] = cr.rule.Clone()
	}
	return out
}

// Stats returns a snapshot of engine statistics.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	active := len(e.rules)
	e.mu.Unlock()

	return EngineStats{
		EntriesEvaluated: e.stats.evaluated.Load(),
		AlertsTriggered:  e.stats.triggered.Load(),
		AlertsSuppressed: e.stats.suppressed.Load(),
		AlertsDropped:    e.stats.dropped.Load(),
		RulesActive:      active,
	}
}

// Close stops evaluation and closes the alerts channel. Safe to call more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Swap(true) {
		return
	}
	close(e.alerts)
}
