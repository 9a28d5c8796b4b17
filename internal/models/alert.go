package models

import (
	"time"
)

// ConditionType represents the kind of condition an alert rule evaluates.
type ConditionType string

const (
	ConditionKeyword   ConditionType = "keyword"
	ConditionPattern   ConditionType = "pattern"
	ConditionFrequency ConditionType = "frequency"
)

// FrequencyBase selects which entries a frequency condition counts.
type FrequencyBase string

const (
	// BaseAll counts every entry visible to the rule.
	BaseAll FrequencyBase = "all"
	// BaseKeyword counts entries matching the rule's keyword terms.
	BaseKeyword FrequencyBase = "keyword"
	// BasePattern counts entries matching the rule's pattern.
	BasePattern FrequencyBase = "pattern"
	// BaseExpr counts entries for which the rule's expression is true.
	BaseExpr FrequencyBase = "expr"
)

// Severity represents alert severity level.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity converts a string to Severity, defaulting to medium.
func ParseSeverity(s string) Severity {
	switch s {
	case "low", "LOW":
		return SeverityLow
	case "medium", "MEDIUM":
		return SeverityMedium
	case "high", "HIGH":
		return SeverityHigh
	case "critical", "CRITICAL":
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// RuleScope tells whether a rule applies to every entry or only to entries
// visible to one user.
type RuleScope string

const (
	ScopeGlobal RuleScope = "global"
	ScopeUser   RuleScope = "user"
)

// AlertCondition is the persisted condition of an alert rule.
type AlertCondition struct {
	Type ConditionType `json:"type" yaml:"type"`

	// Keyword
	Terms    []string `json:"terms,omitempty" yaml:"terms,omitempty"`
	MatchAll bool     `json:"matchAll,omitempty" yaml:"match_all,omitempty"`

	// Pattern
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`

	// Frequency
	Threshold     int           `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	WindowSeconds int           `json:"windowSeconds,omitempty" yaml:"window_seconds,omitempty"`
	Base          FrequencyBase `json:"base,omitempty" yaml:"base,omitempty"`
	Expression    string        `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// AlertRule represents a persistent alert configuration.
type AlertRule struct {
	ID              string         `json:"id" yaml:"id"`
	Name            string         `json:"name" yaml:"name"`
	Enabled         bool           `json:"enabled" yaml:"enabled"`
	Condition       AlertCondition `json:"condition" yaml:"condition"`
	Severity        Severity       `json:"severity" yaml:"severity"`
	CooldownSeconds int            `json:"cooldownSeconds" yaml:"cooldown_seconds"`
	Scope           RuleScope      `json:"scope" yaml:"scope"`
	UserID          string         `json:"userId,omitempty" yaml:"user_id,omitempty"`
	LastTriggeredAt *time.Time     `json:"lastTriggeredAt,omitempty" yaml:"-"`
	CreatedAt       time.Time      `json:"createdAt" yaml:"-"`
	UpdatedAt       time.Time      `json:"updatedAt" yaml:"-"`
}

// Cooldown returns the cooldown as a duration.
func (r *AlertRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

// Clone returns a deep copy of the rule.
func (r *AlertRule) Clone() *AlertRule {
	c := *r
	if r.Condition.Terms != nil {
		c.Condition.Terms = append([]string(nil), r.Condition.Terms...)
	}
	if r.LastTriggeredAt != nil {
		t := *r.LastTriggeredAt
		c.LastTriggeredAt = &t
	}
	return &c
}

// AlertEvent is emitted when a rule triggers.
type AlertEvent struct {
	ID             string      `json:"id"`
	RuleID         string      `json:"ruleId"`
	RuleName       string      `json:"ruleName"`
	Severity       Severity    `json:"severity"`
	Message        string      `json:"message"`
	TriggeredAt    time.Time   `json:"triggeredAt"`
	Count          int         `json:"count,omitempty"`
	Scope          RuleScope   `json:"scope"`
	UserID         string      `json:"userId,omitempty"`
	MatchedEntries []*LogEntry `json:"matchedEntries"`
}

// RuleFilter selects rules by scope. The zero value selects every rule.
type RuleFilter struct {
	Scope  RuleScope
	UserID string
}

// Matches reports whether rule is selected by the filter.
func (f RuleFilter) Matches(rule *AlertRule) bool {
	if f.Scope != "" && rule.Scope != f.Scope {
		return false
	}
	if f.UserID != "" && rule.UserID != f.UserID {
		return false
	}
	return true
}
