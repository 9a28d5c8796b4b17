package alerting

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/good-yellow-bee/logpulse/internal/models"
)

// RulesConfig is the YAML layout of a rules file.
type RulesConfig struct {
	Rules []*models.AlertRule `yaml:"rules"`
}

// RuleCreator stores new rules. Both rule stores implement it.
type RuleCreator interface {
	Create(ctx context.Context, rule *models.AlertRule) error
}

// LoadRulesFromFile loads alert rules from a YAML file.
func LoadRulesFromFile(path string) ([]*models.AlertRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rules file: %w", err)
	}
	defer f.Close()

	return LoadRules(f)
}

// LoadRules loads alert rules from a reader.
func LoadRules(r io.Reader) ([]*models.AlertRule, error) {
	var config RulesConfig
	if err := yaml.NewDecoder(r).Decode(&config); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse rules YAML: %w", err)
	}
	return validateAll(config.Rules)
}

// LoadRulesFromBytes loads alert rules from YAML bytes.
func LoadRulesFromBytes(data []byte) ([]*models.AlertRule, error) {
	var config RulesConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse rules YAML: %w", err)
	}
	return validateAll(config.Rules)
}

func validateAll(rules []*models.AlertRule) ([]*models.AlertRule, error) {
	seen := make(map[string]bool, len(rules))
	for i, rule := range rules {
		if err := ValidateRule(rule); err != nil {
			return nil, fmt.Errorf("invalid rule at index %d: %w", i, err)
		}
		if rule.ID != "" {
			if seen[rule.ID] {
				return nil, fmt.Errorf("invalid rule at index %d: %w: duplicate id %q", i, ErrInvalidRule, rule.ID)
			}
			seen[rule.ID] = true
		}
	}
	return rules, nil
}

// SeedRules creates every rule in store. Rules whose ID already exists are
// skipped so a seed file can be applied on every start.
func SeedRules(ctx context.Context, store RuleCreator, rules []*models.AlertRule, exists func(ctx context.Context, id string) bool) (int, error) {
	created := 0
	for _, rule := range rules {
		if rule.ID != "" && exists != nil && exists(ctx, rule.ID) {
			continue
		}
		if err := store.Create(ctx, rule); err != nil {
			return created, fmt.Errorf("seed rule %q: %w", rule.Name, err)
		}
		created++
	}
	return created, nil
}
