package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"automation-dispatch-engine/internal/faults"
	"automation-dispatch-engine/internal/models"
)

// CreateRule validates and inserts an automation rule.
func (s *Store) CreateRule(ctx context.Context, rule models.AutomationRule) (models.AutomationRule, error) {
	if err := validateRule(rule); err != nil {
		return models.AutomationRule{}, err
	}

	rule.ID = uuid.New().String()
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.ExecutionCount = 0
	rule.LastExecutedAt = nil

	triggerJSON, templateJSON, pacingJSON, err := marshalRule(rule)
	if err != nil {
		return models.AutomationRule{}, err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO automation_rules (id, owner_key, enabled, trigger, job_template, resource_key, max_per_day, max_per_week, cooldown_ns, pacing, execution_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $11)
	`, rule.ID, rule.OwnerKey, rule.Enabled, triggerJSON, templateJSON, rule.ResourceKey,
		rule.MaxPerDay, rule.MaxPerWeek, rule.Cooldown.Nanoseconds(), pacingJSON, now)
	if err != nil {
		return models.AutomationRule{}, faults.System(fmt.Errorf("insert rule: %w", err))
	}
	return rule, nil
}

// UpdateRule overwrites the mutable fields of an existing rule.
func (s *Store) UpdateRule(ctx context.Context, rule models.AutomationRule) (models.AutomationRule, error) {
	if err := validateRule(rule); err != nil {
		return models.AutomationRule{}, err
	}

	triggerJSON, templateJSON, pacingJSON, err := marshalRule(rule)
	if err != nil {
		return models.AutomationRule{}, err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE automation_rules
		SET owner_key = $2, enabled = $3, trigger = $4, job_template = $5, resource_key = $6,
		    max_per_day = $7, max_per_week = $8, cooldown_ns = $9, pacing = $10, updated_at = NOW()
		WHERE id = $1
	`, rule.ID, rule.OwnerKey, rule.Enabled, triggerJSON, templateJSON, rule.ResourceKey,
		rule.MaxPerDay, rule.MaxPerWeek, rule.Cooldown.Nanoseconds(), pacingJSON)
	if err != nil {
		return models.AutomationRule{}, faults.System(fmt.Errorf("update rule: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return models.AutomationRule{}, faults.ErrNotFound
	}
	return s.GetRule(ctx, rule.ID)
}

// DeleteRule removes a rule. Already-queued jobs are untouched; only new
// production stops.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM automation_rules WHERE id = $1`, id)
	if err != nil {
		return faults.System(err)
	}
	if tag.RowsAffected() == 0 {
		return faults.ErrNotFound
	}
	return nil
}

const ruleColumns = `id, owner_key, enabled, trigger, job_template, resource_key, max_per_day, max_per_week, cooldown_ns, pacing, execution_count, last_executed_at, created_at, updated_at`

// GetRule fetches a rule by id.
func (s *Store) GetRule(ctx context.Context, id string) (models.AutomationRule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE id = $1`, id)
	rule, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AutomationRule{}, faults.ErrNotFound
	}
	if err != nil {
		return models.AutomationRule{}, faults.System(err)
	}
	return rule, nil
}

// ListRules returns all rules, enabled or not.
func (s *Store) ListRules(ctx context.Context) ([]models.AutomationRule, error) {
	return s.listRules(ctx, `SELECT `+ruleColumns+` FROM automation_rules ORDER BY created_at`)
}

// ListEnabledRules returns the rules the engine evaluates each tick.
func (s *Store) ListEnabledRules(ctx context.Context) ([]models.AutomationRule, error) {
	return s.listRules(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE enabled ORDER BY created_at`)
}

func (s *Store) listRules(ctx context.Context, query string) ([]models.AutomationRule, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, faults.System(err)
	}
	defer rows.Close()

	var rules []models.AutomationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, faults.System(err)
		}
		rules = append(rules, rule)
	}
	return rules, faults.System(rows.Err())
}

// MarkRuleExecuted stamps a rule's production: execution counter and
// last_executed_at, taken at enqueue time.
func (s *Store) MarkRuleExecuted(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE automation_rules
		SET execution_count = execution_count + 1, last_executed_at = $2, updated_at = NOW()
		WHERE id = $1
	`, id, at)
	return faults.System(err)
}

// CountRuleJobsSince counts jobs a rule has produced at or after the window
// start. Counting job rows instead of a mutable counter keeps quota windows
// honest across restarts.
func (s *Store) CountRuleJobsSince(ctx context.Context, ruleID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE owner_key = $1 AND created_at >= $2
	`, ruleID, since).Scan(&n)
	if err != nil {
		return 0, faults.System(fmt.Errorf("count rule jobs: %w", err))
	}
	return n, nil
}

func validateRule(rule models.AutomationRule) error {
	switch rule.Trigger.Type {
	case models.TriggerSchedule:
		if rule.Trigger.Cron == "" {
			return faults.Validation("schedule trigger requires a cron expression")
		}
	case models.TriggerEvent:
		if len(rule.Trigger.Condition) == 0 {
			return faults.Validation("event trigger requires at least one condition clause")
		}
	case models.TriggerManual:
	default:
		return faults.Validation("unknown trigger type %q", rule.Trigger.Type)
	}
	if !models.KnownKind(rule.JobTemplate.Kind) {
		return faults.Validation("unknown job kind %q in template", rule.JobTemplate.Kind)
	}
	if rule.JobTemplate.Priority < models.PriorityHighest || rule.JobTemplate.Priority > models.PriorityLowest {
		return faults.Validation("template priority %d outside [%d,%d]", rule.JobTemplate.Priority, models.PriorityHighest, models.PriorityLowest)
	}
	if rule.ResourceKey == "" {
		return faults.Validation("resource_key is required")
	}
	if rule.MaxPerDay < 0 || rule.MaxPerWeek < 0 || rule.Cooldown < 0 {
		return faults.Validation("quota limits must be non-negative")
	}
	return nil
}

func marshalRule(rule models.AutomationRule) (trigger, template, pacing []byte, err error) {
	trigger, err = json.Marshal(rule.Trigger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal trigger: %w", err)
	}
	template, err = json.Marshal(rule.JobTemplate)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal job template: %w", err)
	}
	if rule.Pacing != nil {
		pacing, err = json.Marshal(rule.Pacing)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal pacing: %w", err)
		}
	}
	return trigger, template, pacing, nil
}

func scanRule(row pgx.Row) (models.AutomationRule, error) {
	var rule models.AutomationRule
	var triggerJSON, templateJSON, pacingJSON []byte
	var cooldownNS int64
	var lastExecuted pgtype.Timestamptz

	err := row.Scan(&rule.ID, &rule.OwnerKey, &rule.Enabled, &triggerJSON, &templateJSON,
		&rule.ResourceKey, &rule.MaxPerDay, &rule.MaxPerWeek, &cooldownNS, &pacingJSON,
		&rule.ExecutionCount, &lastExecuted, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return models.AutomationRule{}, err
	}
	if err := json.Unmarshal(triggerJSON, &rule.Trigger); err != nil {
		return models.AutomationRule{}, fmt.Errorf("unmarshal trigger: %w", err)
	}
	if err := json.Unmarshal(templateJSON, &rule.JobTemplate); err != nil {
		return models.AutomationRule{}, fmt.Errorf("unmarshal job template: %w", err)
	}
	if len(pacingJSON) > 0 {
		rule.Pacing = &models.PacingProfile{}
		if err := json.Unmarshal(pacingJSON, rule.Pacing); err != nil {
			return models.AutomationRule{}, fmt.Errorf("unmarshal pacing: %w", err)
		}
	}
	rule.Cooldown = time.Duration(cooldownNS)
	if lastExecuted.Valid {
		t := lastExecuted.Time
		rule.LastExecutedAt = &t
	}
	return rule, nil
}
