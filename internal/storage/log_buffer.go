package storage

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/good-yellow-bee/logpulse/internal/metrics"
	"github.com/good-yellow-bee/logpulse/internal/models"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 10000

// LogStore is a fixed-capacity ring of recent log entries. When full, the
// oldest entry is overwritten, so eviction never blocks ingestion.
//
// Append is the only mutation path. Subscribers run synchronously inside
// Append, in registration order, so they observe entries in insertion order.
// A subscriber must not call Append.
type LogStore struct {
	// appendMu serializes insert+notify so notifications follow insertion order.
	appendMu sync.Mutex

	mu       sync.RWMutex
	ring     []*models.LogEntry
	head     int // index of the oldest entry
	size     int
	capacity int

	subMu   sync.RWMutex
	subs    []subscription
	nextSub uint64

	appended atomic.Int64
	evicted  atomic.Int64

	now func() time.Time
}

type subscription struct {
	id uint64
	fn Subscriber
}

// NewLogStore creates a store holding at most capacity entries.
func NewLogStore(capacity int) *LogStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &LogStore{
		ring:     make([]*models.LogEntry, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

// Append inserts entry at the tail, evicting the oldest entry when the store
// is full, then notifies every subscriber registered at call time.
func (s *LogStore) Append(entry *models.LogEntry) {
	if entry == nil {
		return
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	s.mu.Lock()
	tail := (s.head + s.size) % s.capacity
	s.ring[tail] = entry
	if s.size < s.capacity {
		s.size++
	} else {
		// Overwrote the oldest slot.
		s.head = (s.head + 1) % s.capacity
		s.evicted.Add(1)
	}
	s.mu.Unlock()
	s.appended.Add(1)

	s.subMu.RLock()
	subs := s.subs
	s.subMu.RUnlock()

	for _, sub := range subs {
		sub.fn(entry)
	}
}

// Subscribe registers fn for every future Append. The returned function
// removes the subscription and is safe to call more than once.
func (s *LogStore) Subscribe(fn Subscriber) (unsubscribe func()) {
	s.subMu.Lock()
	s.nextSub++
	id := s.nextSub
	// Copy-on-write so Append can iterate a snapshot without holding the lock.
	subs := make([]subscription, len(s.subs), len(s.subs)+1)
	copy(subs, s.subs)
	s.subs = append(subs, subscription{id: id, fn: fn})
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			subs := make([]subscription, 0, len(s.subs))
			for _, sub := range s.subs {
				if sub.id != id {
					subs = append(subs, sub)
				}
			}
			s.subs = subs
		})
	}
}

// Query returns entries matching filter in descending timestamp order.
// Entries with equal timestamps keep the most recently appended first.
// Offset and Limit apply after sorting.
func (s *LogStore) Query(filter LogFilter) (*LogQueryResult, error) {
	defer observe("query", time.Now())
	if err := filter.Validate(); err != nil {
		metrics.StorageErrors.WithLabelValues("query").Inc()
		return nil, err
	}
	limit := filter.Limit
	if limit == 0 {
		limit = DefaultQueryLimit
	}

	m := newEntryMatcher(&filter)

	s.mu.RLock()
	var matches []*models.LogEntry
	for i := s.size - 1; i >= 0; i-- {
		if entry := s.ring[(s.head+i)%s.capacity]; m.match(entry) {
			matches = append(matches, entry)
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(matches, func(a, b *models.LogEntry) int {
		return b.Timestamp.Compare(a.Timestamp)
	})

	result := &LogQueryResult{Total: len(matches), Entries: []*models.LogEntry{}}
	if filter.Offset < len(matches) {
		page := matches[filter.Offset:]
		result.Entries = page[:min(limit, len(page))]
	}
	result.HasMore = filter.Offset+len(result.Entries) < result.Total

	return result, nil
}

// Stats aggregates entries whose timestamp falls within window of now.
func (s *LogStore) Stats(window time.Duration) (*LogStats, error) {
	defer observe("stats", time.Now())
	if window <= 0 {
		metrics.StorageErrors.WithLabelValues("stats").Inc()
		return nil, fmt.Errorf("%w: window must be positive", ErrInvalidArgument)
	}

	since := s.now().Add(-window)
	stats := &LogStats{
		Window:   window,
		Since:    since,
		ByLevel:  make(map[models.LogLevel]int),
		ByKind:   make(map[models.SourceKind]int),
		BySource: make(map[string]int),
	}

	s.mu.RLock()
	for i := 0; i < s.size; i++ {
		entry := s.ring[(s.head+i)%s.capacity]
		// Timestamps are not monotonic across sources, so scan everything.
		if entry.Timestamp.Before(since) {
			continue
		}
		stats.Total++
		stats.ByLevel[entry.Level]++
		stats.ByKind[entry.Source]++
		stats.BySource[entry.SourceID]++
	}
	s.mu.RUnlock()

	if stats.Total > 0 {
		errs := stats.ByLevel[models.LevelError] + stats.ByLevel[models.LevelFatal]
		stats.ErrorRate = float64(errs) / float64(stats.Total)
	}
	return stats, nil
}

func observe(op string, start time.Time) {
	metrics.StorageQueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Len returns the number of stored entries.
func (s *LogStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Capacity returns the configured capacity.
func (s *LogStore) Capacity() int {
	return s.capacity
}

// Appended returns the total number of entries ever appended.
func (s *LogStore) Appended() int64 {
	return s.appended.Load()
}

// Evicted returns the total number of entries dropped to make room.
func (s *LogStore) Evicted() int64 {
	return s.evicted.Load()
}

// Matcher returns a predicate applying f to single entries. Pagination
// fields are ignored.
func (f LogFilter) Matcher() func(*models.LogEntry) bool {
	return newEntryMatcher(&f).match
}

// entryMatcher precomputes set lookups for a filter.
type entryMatcher struct {
	levels    map[models.LogLevel]struct{}
	sources   map[models.SourceKind]struct{}
	sourceIDs map[string]struct{}
	since     time.Time
	until     time.Time
	contains  string
}

func newEntryMatcher(f *LogFilter) *entryMatcher {
	m := &entryMatcher{
		since:    f.Since,
		until:    f.Until,
		contains: strings.ToLower(f.MessageContains),
	}
	if len(f.Levels) > 0 {
		m.levels = make(map[models.LogLevel]struct{}, len(f.Levels))
		for _, l := range f.Levels {
			m.levels[l] = struct{}{}
		}
	}
	if len(f.Sources) > 0 {
		m.sources = make(map[models.SourceKind]struct{}, len(f.Sources))
		for _, src := range f.Sources {
			m.sources[src] = struct{}{}
		}
	}
	if len(f.SourceIDs) > 0 {
		m.sourceIDs = make(map[string]struct{}, len(f.SourceIDs))
		for _, id := range f.SourceIDs {
			m.sourceIDs[id] = struct{}{}
		}
	}
	return m
}

func (m *entryMatcher) match(e *models.LogEntry) bool {
	if m.levels != nil {
		if _, ok := m.levels[e.Level]; !ok {
			return false
		}
	}
	if m.sources != nil {
		if _, ok := m.sources[e.Source]; !ok {
			return false
		}
	}
	if m.sourceIDs != nil {
		if _, ok := m.sourceIDs[e.SourceID]; !ok {
			return false
		}
	}
	if !m.since.IsZero() && e.Timestamp.Before(m.since) {
		return false
	}
	if !m.until.IsZero() && e.Timestamp.After(m.until) {
		return false
	}
	if m.contains != "" && !strings.Contains(strings.ToLower(e.Message), m.contains) {
		return false
	}
	return true
}
