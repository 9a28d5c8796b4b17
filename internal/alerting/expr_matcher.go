package alerting

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/good-yellow-bee/logpulse/internal/models"
)

// ExprMatcher compiles and evaluates expr-lang expressions against log entries.
//
// The environment exposes level, message, source, source_id and metadata, e.g.
//
//	level == "error" && metadata["stream"] == "stderr"
//	message contains "timeout"
type ExprMatcher struct {
	expression string
	program    *vm.Program
}

// NewExprMatcher creates a new ExprMatcher for the given expression.
func NewExprMatcher(expression string) (*ExprMatcher, error) {
	program, err := expr.Compile(expression,
		expr.Env(buildSampleEnv()),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	return &ExprMatcher{expression: expression, program: program}, nil
}

// Match evaluates the expression against a log entry.
func (m *ExprMatcher) Match(entry *models.LogEntry) (bool, error) {
	result, err := expr.Run(m.program, buildEnvFromEntry(entry))
	if err != nil {
		return false, fmt.Errorf("evaluate expression: %w", err)
	}
	matched, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return bool: got %T", result)
	}
	return matched, nil
}

// Expression returns the original expression string.
func (m *ExprMatcher) Expression() string {
	return m.expression
}

func buildSampleEnv() map[string]any {
	return map[string]any{
		"level":     "",
		"message":   "",
		"source":    "",
		"source_id": "",
		"metadata":  map[string]string{},
	}
}

func buildEnvFromEntry(entry *models.LogEntry) map[string]any {
	meta := entry.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	return map[string]any{
		"level":     string(entry.Level),
		"message":   entry.Message,
		"source":    string(entry.Source),
		"source_id": entry.SourceID,
		"metadata":  meta,
	}
}
