package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/good-yellow-bee/logpulse/internal/models"
)

// SQLiteRuleStore persists alert rules in SQLite.
type SQLiteRuleStore struct {
	db *sql.DB
}

const ruleColumns = `id, name, enabled, condition_json, severity, cooldown_seconds,
	scope, user_id, last_triggered_at, created_at, updated_at`

// Create inserts a new rule, assigning an ID and timestamps when missing.
func (r *SQLiteRuleStore) Create(ctx context.Context, rule *models.AlertRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	} else if _, err := r.GetByID(ctx, rule.ID); err == nil {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrAlreadyExists)
	}
	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	if rule.Scope == "" {
		rule.Scope = models.ScopeGlobal
	}

	condJSON, err := json.Marshal(rule.Condition)
	if err != nil {
		return fmt.Errorf("marshal condition: %w", err)
	}

	query := `
		INSERT INTO alert_rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		rule.ID, rule.Name, boolToInt(rule.Enabled), string(condJSON), rule.Severity,
		rule.CooldownSeconds, rule.Scope, nullString(rule.UserID), nullTime(rule.LastTriggeredAt),
		rule.CreatedAt.UnixNano(), rule.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// GetByID returns a rule or ErrNotFound.
func (r *SQLiteRuleStore) GetByID(ctx context.Context, id string) (*models.AlertRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM alert_rules WHERE id = ?`
	rule, err := scanRule(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return rule, err
}

// Update replaces a rule's mutable fields.
func (r *SQLiteRuleStore) Update(ctx context.Context, rule *models.AlertRule) error {
	condJSON, err := json.Marshal(rule.Condition)
	if err != nil {
		return fmt.Errorf("marshal condition: %w", err)
	}
	rule.UpdatedAt = time.Now()

	query := `
		UPDATE alert_rules SET name = ?, enabled = ?, condition_json = ?, severity = ?,
			cooldown_seconds = ?, scope = ?, user_id = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		rule.Name, boolToInt(rule.Enabled), string(condJSON), rule.Severity,
		rule.CooldownSeconds, rule.Scope, nullString(rule.UserID), rule.UpdatedAt.UnixNano(),
		rule.ID,
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	return requireRow(result, rule.ID)
}

// Delete removes a rule.
func (r *SQLiteRuleStore) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM alert_rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return requireRow(result, id)
}

// List returns every rule selected by filter, ordered by name.
func (r *SQLiteRuleStore) List(ctx context.Context, filter models.RuleFilter) ([]*models.AlertRule, error) {
	return r.query(ctx, false, filter)
}

// GetActiveRules returns enabled rules selected by filter.
func (r *SQLiteRuleStore) GetActiveRules(ctx context.Context, filter models.RuleFilter) ([]*models.AlertRule, error) {
	return r.query(ctx, true, filter)
}

// ToggleRule flips a rule's enabled flag and returns the updated rule.
func (r *SQLiteRuleStore) ToggleRule(ctx context.Context, id string) (*models.AlertRule, error) {
	result, err := r.db.ExecContext(ctx,
		"UPDATE alert_rules SET enabled = 1 - enabled, updated_at = ? WHERE id = ?",
		time.Now().UnixNano(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("toggle rule: %w", err)
	}
	if err := requireRow(result, id); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// MarkTriggered records the last trigger time of a rule.
func (r *SQLiteRuleStore) MarkTriggered(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE alert_rules SET last_triggered_at = ? WHERE id = ?",
		at.UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("mark rule triggered: %w", err)
	}
	return requireRow(result, id)
}

func (r *SQLiteRuleStore) query(ctx context.Context, activeOnly bool, filter models.RuleFilter) ([]*models.AlertRule, error) {
	var where []string
	var args []any
	if activeOnly {
		where = append(where, "enabled = 1")
	}
	if filter.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, filter.Scope)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}

	query := `SELECT ` + ruleColumns + ` FROM alert_rules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []*models.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (*models.AlertRule, error) {
	rule := &models.AlertRule{}
	var condJSON string
	var userID sql.NullString
	var lastTriggered sql.NullInt64
	var enabled int
	var createdAt, updatedAt int64

	err := row.Scan(
		&rule.ID, &rule.Name, &enabled, &condJSON, &rule.Severity, &rule.CooldownSeconds,
		&rule.Scope, &userID, &lastTriggered, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan rule: %w", err)
	}

	if err := json.Unmarshal([]byte(condJSON), &rule.Condition); err != nil {
		return nil, fmt.Errorf("unmarshal condition: %w", err)
	}
	rule.Enabled = enabled != 0
	rule.UserID = userID.String
	if lastTriggered.Valid {
		t := time.Unix(0, lastTriggered.Int64)
		rule.LastTriggeredAt = &t
	}
	rule.CreatedAt = time.Unix(0, createdAt)
	rule.UpdatedAt = time.Unix(0, updatedAt)
	return rule, nil
}

// Helper functions

func requireRow(result sql.Result, id string) error {
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
