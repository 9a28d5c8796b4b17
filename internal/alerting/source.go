package alerting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/good-yellow-bee/logpulse/internal/models"
	"github.com/good-yellow-bee/logpulse/internal/storage"
)

// RuleSource supplies the rules the engine evaluates.
type RuleSource interface {
	GetActiveRules(ctx context.Context, filter models.RuleFilter) ([]*models.AlertRule, error)
	ToggleRule(ctx context.Context, id string) (*models.AlertRule, error)
}

// Visibility decides whether a user may see an entry. User scoped rules
// only evaluate entries their owner can see.
type Visibility interface {
	CanView(userID string, entry *models.LogEntry) bool
}

// SourceOwnership grants users visibility of entries by source ID.
type SourceOwnership map[string][]string

// CanView reports whether entry's source is owned by userID.
func (o SourceOwnership) CanView(userID string, entry *models.LogEntry) bool {
	for _, id := range o[userID] {
		if id == entry.SourceID {
			return true
		}
	}
	return false
}

// MemoryRuleSource keeps rules in memory. It offers the same operations as
// the SQLite rule store and is used when no database is configured.
type MemoryRuleSource struct {
	mu    sync.RWMutex
	rules map[string]*models.AlertRule
	now   func() time.Time
}

// NewMemoryRuleSource creates a source seeded with rules.
func NewMemoryRuleSource(rules ...*models.AlertRule) *MemoryRuleSource {
	s := &MemoryRuleSource{
		rules: make(map[string]*models.AlertRule),
		now:   time.Now,
	}
	for _, r := range rules {
		s.Create(context.Background(), r)
	}
	return s
}

// Create stores a copy of rule, assigning an ID and timestamps when missing.
func (s *MemoryRuleSource) Create(_ context.Context, rule *models.AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule %s: %w", rule.ID, storage.ErrAlreadyExists)
	}
	now := s.now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	if rule.Scope == "" {
		rule.Scope = models.ScopeGlobal
	}
	s.rules[rule.ID] = rule.Clone()
	return nil
}

// GetByID returns a copy of a rule or storage.ErrNotFound.
func (s *MemoryRuleSource) GetByID(_ context.Context, id string) (*models.AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", id, storage.ErrNotFound)
	}
	return r.Clone(), nil
}

// Update replaces a rule's mutable fields.
func (s *MemoryRuleSource) Update(_ context.Context, rule *models.AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.rules[rule.ID]
	if !ok {
		return fmt.Errorf("rule %s: %w", rule.ID, storage.ErrNotFound)
	}
	rule.UpdatedAt = s.bump(old.UpdatedAt)
	rule.CreatedAt = old.CreatedAt
	rule.LastTriggeredAt = old.LastTriggeredAt
	s.rules[rule.ID] = rule.Clone()
	return nil
}

// Delete removes a rule.
func (s *MemoryRuleSource) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("rule %s: %w", id, storage.ErrNotFound)
	}
	delete(s.rules, id)
	return nil
}

// List returns every rule selected by filter, ordered by name.
func (s *MemoryRuleSource) List(_ context.Context, filter models.RuleFilter) ([]*models.AlertRule, error) {
	return s.list(false, filter), nil
}

// GetActiveRules returns enabled rules selected by filter.
func (s *MemoryRuleSource) GetActiveRules(_ context.Context, filter models.RuleFilter) ([]*models.AlertRule, error) {
	return s.list(true, filter), nil
}

// ToggleRule flips a rule's enabled flag and returns the updated rule.
func (s *MemoryRuleSource) ToggleRule(_ context.Context, id string) (*models.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", id, storage.ErrNotFound)
	}
	r.Enabled = !r.Enabled
	r.UpdatedAt = s.bump(r.UpdatedAt)
	return r.Clone(), nil
}

// MarkTriggered records the last trigger time of a rule.
func (s *MemoryRuleSource) MarkTriggered(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("rule %s: %w", id, storage.ErrNotFound)
	}
	r.LastTriggeredAt = &at
	return nil
}

// bump returns a timestamp strictly after prev so back-to-back edits stay distinguishable.
func (s *MemoryRuleSource) bump(prev time.Time) time.Time {
	now := s.now()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

func (s *MemoryRuleSource) list(activeOnly bool, filter models.RuleFilter) []*models.AlertRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.AlertRule, 0, len(s.rules))
	for _, r := range s.rules {
		if activeOnly && !r.Enabled {
			continue
		}
		if !filter.Matches(r) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}
