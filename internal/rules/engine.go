// Package rules evaluates automation rules and turns firings into queued jobs.
package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"automation-dispatch-engine/internal/config"
	"automation-dispatch-engine/internal/faults"
	"automation-dispatch-engine/internal/models"
	"automation-dispatch-engine/internal/store"
	"automation-dispatch-engine/internal/telemetry"
)

// RuleStore is the persistence slice the engine consumes.
type RuleStore interface {
	ListEnabledRules(ctx context.Context) ([]models.AutomationRule, error)
	GetRule(ctx context.Context, id string) (models.AutomationRule, error)
	MarkRuleExecuted(ctx context.Context, id string, at time.Time) error
	CountRuleJobsSince(ctx context.Context, ruleID string, since time.Time) (int, error)
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
}

// Enqueuer is the queue slice the engine consumes.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string, priority int, resourceKey string, notBefore time.Time) error
}

// Skip reasons recorded when a quota gate holds a firing back.
const (
	SkipDailyQuota  = "daily_quota"
	SkipWeeklyQuota = "weekly_quota"
	SkipCooldown    = "cooldown"
)

// ErrSkipped reports that a rule matched its trigger but a quota gate held it.
type ErrSkipped struct {
	RuleID string
	Reason string
}

func (e *ErrSkipped) Error() string {
	return fmt.Sprintf("rule %s skipped: %s", e.RuleID, e.Reason)
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateTrigger checks a trigger definition at rule-write time so broken
// cron expressions never reach the tick loop.
func ValidateTrigger(t models.Trigger) error {
	switch t.Type {
	case models.TriggerSchedule:
		if _, err := cronParser.Parse(t.Cron); err != nil {
			return faults.Validation("cron %q: %v", t.Cron, err)
		}
		if t.Timezone != "" {
			if _, err := time.LoadLocation(t.Timezone); err != nil {
				return faults.Validation("timezone %q: %v", t.Timezone, err)
			}
		}
	case models.TriggerEvent:
		if len(t.Condition) == 0 {
			return faults.Validation("event trigger requires at least one condition clause")
		}
	case models.TriggerManual:
	default:
		return faults.Validation("unknown trigger type %q", t.Type)
	}
	return nil
}

// Engine ticks over enabled rules and fires the ones whose triggers match.
type Engine struct {
	cfg    config.Config
	store  RuleStore
	queue  Enqueuer
	clock  clockwork.Clock
	logger *zap.Logger
}

func New(cfg config.Config, st RuleStore, q Enqueuer, clock clockwork.Clock, logger *zap.Logger) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{cfg: cfg, store: st, queue: q, clock: clock, logger: logger}
}

// Run evaluates schedule triggers every RuleTickInterval until the context is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.cfg.RuleTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			e.Tick(ctx)
		}
	}
}

// Tick runs one pass over enabled schedule rules. Exported so tests can
// drive it against a fake clock.
func (e *Engine) Tick(ctx context.Context) {
	ruleList, err := e.store.ListEnabledRules(ctx)
	if err != nil {
		e.logger.Warn("list enabled rules failed", zap.Error(err))
		return
	}
	now := e.clock.Now()
	for _, rule := range ruleList {
		if rule.Trigger.Type != models.TriggerSchedule {
			continue
		}
		due, err := e.scheduleDue(rule, now)
		if err != nil {
			e.logger.Warn("bad schedule trigger",
				zap.String("rule_id", rule.ID), zap.Error(err))
			continue
		}
		if !due {
			continue
		}
		e.fire(ctx, rule)
	}
}

// scheduleDue reports whether the rule's cron expression has a firing time in
// (last_executed_at, now]. Rules that have never fired anchor at creation, so
// a freshly created rule waits for its first cron boundary instead of firing
// immediately.
func (e *Engine) scheduleDue(rule models.AutomationRule, now time.Time) (bool, error) {
	schedule, err := cronParser.Parse(rule.Trigger.Cron)
	if err != nil {
		return false, err
	}
	loc := time.UTC
	if rule.Trigger.Timezone != "" {
		loc, err = time.LoadLocation(rule.Trigger.Timezone)
		if err != nil {
			return false, err
		}
	}
	anchor := rule.CreatedAt
	if rule.LastExecutedAt != nil {
		anchor = *rule.LastExecutedAt
	}
	next := schedule.Next(anchor.In(loc))
	return !next.After(now.In(loc)), nil
}

// OfferEvent matches an event snapshot against enabled event rules and fires
// every rule whose condition clauses all hold. Returns the IDs of rules fired.
func (e *Engine) OfferEvent(ctx context.Context, snapshot map[string]string) ([]string, error) {
	ruleList, err := e.store.ListEnabledRules(ctx)
	if err != nil {
		return nil, faults.System(fmt.Errorf("list enabled rules: %w", err))
	}
	var fired []string
	for _, rule := range ruleList {
		if rule.Trigger.Type != models.TriggerEvent {
			continue
		}
		if !conditionMatches(rule.Trigger.Condition, snapshot) {
			continue
		}
		if job, err := e.fire(ctx, rule); err == nil && job.ID != "" {
			fired = append(fired, rule.ID)
		}
	}
	return fired, nil
}

// FireManual fires a rule by ID on operator request. The quota gate still
// applies; the returned error is *ErrSkipped when it holds.
func (e *Engine) FireManual(ctx context.Context, ruleID string) (models.Job, error) {
	rule, err := e.store.GetRule(ctx, ruleID)
	if err != nil {
		return models.Job{}, err
	}
	if !rule.Enabled {
		return models.Job{}, faults.Validation("rule %s is disabled", ruleID)
	}
	return e.fire(ctx, rule)
}

// fire runs the quota gate and, when it passes, produces and enqueues the
// rule's job. A gated firing is logged and skipped, never an error for the
// tick loop.
func (e *Engine) fire(ctx context.Context, rule models.AutomationRule) (models.Job, error) {
	now := e.clock.Now()
	if reason, err := e.quotaGate(ctx, rule, now); err != nil {
		e.logger.Warn("quota check failed", zap.String("rule_id", rule.ID), zap.Error(err))
		return models.Job{}, err
	} else if reason != "" {
		telemetry.RuleSkips.Inc()
		e.logger.Info("rule skipped",
			zap.String("rule_id", rule.ID),
			zap.String("reason", reason))
		return models.Job{}, &ErrSkipped{RuleID: rule.ID, Reason: reason}
	}

	payload := make(map[string]any, len(rule.JobTemplate.Payload)+1)
	for k, v := range rule.JobTemplate.Payload {
		payload[k] = v
	}
	if rule.Pacing != nil {
		payload["pacing"] = map[string]any{
			"min_ms": rule.Pacing.Min.Milliseconds(),
			"max_ms": rule.Pacing.Max.Milliseconds(),
			"shape":  rule.Pacing.Shape,
		}
	}

	job, _, err := e.store.CreateJob(ctx, store.CreateJobParams{
		Kind:        rule.JobTemplate.Kind,
		Priority:    rule.JobTemplate.Priority,
		OwnerKey:    rule.ID,
		ResourceKey: rule.ResourceKey,
		Payload:     payload,
		NotBefore:   now,
		MaxAttempts: rule.JobTemplate.MaxAttempts,
	})
	if err != nil {
		e.logger.Warn("create job from rule failed", zap.String("rule_id", rule.ID), zap.Error(err))
		return models.Job{}, err
	}
	if err := e.queue.Enqueue(ctx, job.ID, job.Priority, job.ResourceKey, job.NotBefore); err != nil {
		e.logger.Warn("enqueue rule job failed",
			zap.String("rule_id", rule.ID), zap.String("job_id", job.ID), zap.Error(err))
		return models.Job{}, err
	}
	if err := e.store.MarkRuleExecuted(ctx, rule.ID, now); err != nil {
		e.logger.Warn("mark rule executed failed", zap.String("rule_id", rule.ID), zap.Error(err))
	}
	telemetry.RuleFires.Inc()
	e.logger.Info("rule fired",
		zap.String("rule_id", rule.ID),
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind))
	return job, nil
}

// quotaGate returns a non-empty skip reason when the rule has exhausted its
// daily or weekly budget or is inside its cooldown window. Quota windows are
// the current UTC calendar day and ISO week.
func (e *Engine) quotaGate(ctx context.Context, rule models.AutomationRule, now time.Time) (string, error) {
	if rule.Cooldown > 0 && rule.LastExecutedAt != nil {
		if now.Sub(*rule.LastExecutedAt) < rule.Cooldown {
			return SkipCooldown, nil
		}
	}
	if rule.MaxPerDay > 0 {
		n, err := e.store.CountRuleJobsSince(ctx, rule.ID, startOfDayUTC(now))
		if err != nil {
			return "", faults.System(fmt.Errorf("count daily rule jobs: %w", err))
		}
		if n >= rule.MaxPerDay {
			return SkipDailyQuota, nil
		}
	}
	if rule.MaxPerWeek > 0 {
		n, err := e.store.CountRuleJobsSince(ctx, rule.ID, startOfISOWeekUTC(now))
		if err != nil {
			return "", faults.System(fmt.Errorf("count weekly rule jobs: %w", err))
		}
		if n >= rule.MaxPerWeek {
			return SkipWeeklyQuota, nil
		}
	}
	return "", nil
}

// conditionMatches reports whether every clause equals the snapshot's value.
func conditionMatches(condition map[string]string, snapshot map[string]string) bool {
	if len(condition) == 0 {
		return false
	}
	for key, want := range condition {
		if snapshot[key] != want {
			return false
		}
	}
	return true
}

func startOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func startOfISOWeekUTC(t time.Time) time.Time {
	day := startOfDayUTC(t)
	// ISO weeks start on Monday.
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}
