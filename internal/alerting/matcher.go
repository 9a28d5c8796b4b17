package alerting

import (
	"strings"

	"github.com/good-yellow-bee/logpulse/internal/models"
)

// MatchKeyword reports whether message contains any of terms, or all of
// them when matchAll is set. Terms must already be lower-cased.
func MatchKeyword(message string, terms []string, matchAll bool) bool {
	if len(terms) == 0 {
		return false
	}
	msg := strings.ToLower(message)
	for _, term := range terms {
		found := strings.Contains(msg, term)
		if matchAll && !found {
			return false
		}
		if !matchAll && found {
			return true
		}
	}
	return matchAll
}

// matches reports whether entry satisfies the rule's own condition. For
// frequency rules it reports whether the entry counts toward the window.
func (cr *compiledRule) matches(entry *models.LogEntry) (bool, error) {
	cond := cr.rule.Condition
	switch cond.Type {
	case models.ConditionKeyword:
		return MatchKeyword(entry.Message, cr.terms, cond.MatchAll), nil
	case models.ConditionPattern:
		return cr.pattern.MatchString(entry.Message), nil
	case models.ConditionFrequency:
		switch cr.base {
		case models.BaseKeyword:
			return MatchKeyword(entry.Message, cr.terms, cond.MatchAll), nil
		case models.BasePattern:
			return cr.pattern.MatchString(entry.Message), nil
		case models.BaseExpr:
			return cr.expr.Match(entry)
		default:
			return true, nil
		}
	}
	return false, nil
}
