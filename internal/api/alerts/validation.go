package alerts

import (
	"errors"
	"strings"

	"github.com/good-yellow-bee/logpulse/internal/models"
)

// ValidateName checks the display name of a rule.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name is required")
	}
	if len(name) > 100 {
		return errors.New("name must be 100 characters or less")
	}
	return nil
}

// ValidateScope parses the scope query parameter.
func ValidateScope(s string) (models.RuleScope, error) {
	switch s {
	case "":
		return "", nil
	case string(models.ScopeGlobal), string(models.ScopeUser):
		return models.RuleScope(s), nil
	default:
		return "", errors.New("scope must be 'global' or 'user'")
	}
}
