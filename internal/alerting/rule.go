// Package alerting evaluates log entries against alert rules and emits
// alert events.
package alerting

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/good-yellow-bee/logpulse/internal/models"
)

// ErrInvalidRule is returned when a rule cannot be compiled.
var ErrInvalidRule = errors.New("invalid rule")

// ValidateRule checks a persisted rule and fills in defaults for the
// frequency base, scope and severity.
func ValidateRule(rule *models.AlertRule) error {
	_, err := compileRule(rule)
	if err != nil {
		return err
	}
	if rule.Condition.Type == models.ConditionFrequency && rule.Condition.Base == "" {
		rule.Condition.Base = models.BaseAll
	}
	if rule.Scope == "" {
		rule.Scope = models.ScopeGlobal
	}
	if rule.Severity == "" {
		rule.Severity = models.SeverityMedium
	}
	return nil
}

// compiledRule is the evaluation form of a persisted rule.
type compiledRule struct {
	rule *models.AlertRule

	terms   []string // lower-cased keyword terms
	pattern *regexp.Regexp
	expr    *ExprMatcher
	base    models.FrequencyBase
	window  time.Duration
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRule, fmt.Sprintf(format, args...))
}

func compileRule(rule *models.AlertRule) (*compiledRule, error) {
	if rule == nil {
		return nil, invalid("rule is nil")
	}
	if strings.TrimSpace(rule.Name) == "" {
		return nil, invalid("name is required")
	}
	if rule.CooldownSeconds < 0 {
		return nil, invalid("cooldown must not be negative")
	}
	switch rule.Scope {
	case "", models.ScopeGlobal:
	case models.ScopeUser:
		if rule.UserID == "" {
			return nil, invalid("user scoped rule %q requires a user id", rule.Name)
		}
	default:
		return nil, invalid("unknown scope %q", rule.Scope)
	}
	switch rule.Severity {
	case "", models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical:
	default:
		return nil, invalid("unknown severity %q", rule.Severity)
	}

	cond := rule.Condition
	cr := &compiledRule{rule: rule}

	switch cond.Type {
	case models.ConditionKeyword:
		if err := cr.compileTerms(cond.Terms); err != nil {
			return nil, err
		}
	case models.ConditionPattern:
		if err := cr.compilePattern(cond.Pattern); err != nil {
			return nil, err
		}
	case models.ConditionFrequency:
		if cond.Threshold <= 0 {
			return nil, invalid("threshold must be positive")
		}
		if cond.WindowSeconds <= 0 {
			return nil, invalid("window must be positive")
		}
		cr.window = time.Duration(cond.WindowSeconds) * time.Second
		cr.base = cond.Base
		if cr.base == "" {
			cr.base = models.BaseAll
		}
		switch cr.base {
		case models.BaseAll:
		case models.BaseKeyword:
			if err := cr.compileTerms(cond.Terms); err != nil {
				return nil, err
			}
		case models.BasePattern:
			if err := cr.compilePattern(cond.Pattern); err != nil {
				return nil, err
			}
		case models.BaseExpr:
			if strings.TrimSpace(cond.Expression) == "" {
				return nil, invalid("expression is required for base %q", cr.base)
			}
			m, err := NewExprMatcher(cond.Expression)
			if err != nil {
				return nil, invalid("%v", err)
			}
			cr.expr = m
		default:
			return nil, invalid("unknown frequency base %q", cr.base)
		}
	case "":
		return nil, invalid("condition type is required")
	default:
		return nil, invalid("unknown condition type %q", cond.Type)
	}

	return cr, nil
}

func (cr *compiledRule) compileTerms(terms []string) error {
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			cr.terms = append(cr.terms, t)
		}
	}
	if len(cr.terms) == 0 {
		return invalid("at least one keyword term is required")
	}
	return nil
}

func (cr *compiledRule) compilePattern(pattern string) error {
	if pattern == "" {
		return invalid("pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return invalid("invalid pattern: %v", err)
	}
	cr.pattern = re
	return nil
}

// id keys per-rule state. Rules seeded without an ID fall back to their name.
func (cr *compiledRule) id() string {
	if cr.rule.ID == "" {
		return "name:" + cr.rule.Name
	}
	return cr.rule.ID
}

// version identifies an edit of the rule; a new version starts with an empty window.
func (cr *compiledRule) version() time.Time {
	return cr.rule.UpdatedAt
}
