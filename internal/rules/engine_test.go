package rules

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"automation-dispatch-engine/internal/config"
	"automation-dispatch-engine/internal/faults"
	"automation-dispatch-engine/internal/models"
	"automation-dispatch-engine/internal/store"
)

type fakeRuleStore struct {
	rules    map[string]models.AutomationRule
	jobs     []models.Job
	executed map[string]time.Time
}

func newFakeRuleStore(rules ...models.AutomationRule) *fakeRuleStore {
	s := &fakeRuleStore{rules: map[string]models.AutomationRule{}, executed: map[string]time.Time{}}
	for _, r := range rules {
		s.rules[r.ID] = r
	}
	return s
}

func (s *fakeRuleStore) ListEnabledRules(context.Context) ([]models.AutomationRule, error) {
	var out []models.AutomationRule
	for _, r := range s.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeRuleStore) GetRule(_ context.Context, id string) (models.AutomationRule, error) {
	r, ok := s.rules[id]
	if !ok {
		return models.AutomationRule{}, faults.ErrNotFound
	}
	return r, nil
}

func (s *fakeRuleStore) MarkRuleExecuted(_ context.Context, id string, at time.Time) error {
	r := s.rules[id]
	r.ExecutionCount++
	r.LastExecutedAt = &at
	s.rules[id] = r
	s.executed[id] = at
	return nil
}

func (s *fakeRuleStore) CountRuleJobsSince(_ context.Context, ruleID string, since time.Time) (int, error) {
	n := 0
	for _, j := range s.jobs {
		if j.OwnerKey == ruleID && !j.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *fakeRuleStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, bool, error) {
	job := models.Job{
		ID:          fmt.Sprintf("job-%d", len(s.jobs)+1),
		Kind:        p.Kind,
		Priority:    p.Priority,
		OwnerKey:    p.OwnerKey,
		ResourceKey: p.ResourceKey,
		Payload:     p.Payload,
		State:       models.StatePending,
		NotBefore:   p.NotBefore,
		MaxAttempts: p.MaxAttempts,
		CreatedAt:   p.NotBefore,
	}
	s.jobs = append(s.jobs, job)
	return job, false, nil
}

type fakeEnqueuer struct{ enqueued []string }

func (q *fakeEnqueuer) Enqueue(_ context.Context, jobID string, _ int, _ string, _ time.Time) error {
	q.enqueued = append(q.enqueued, jobID)
	return nil
}

func scheduleRule(id, cron string) models.AutomationRule {
	return models.AutomationRule{
		ID:          id,
		OwnerKey:    "owner",
		Enabled:     true,
		Trigger:     models.Trigger{Type: models.TriggerSchedule, Cron: cron},
		JobTemplate: models.JobTemplate{Kind: models.KindPublishPost, Priority: 5, MaxAttempts: 3},
		ResourceKey: "acct:1",
	}
}

func newTestEngine(st *fakeRuleStore, q *fakeEnqueuer, start time.Time) (*Engine, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(start)
	cfg := config.Config{RuleTickInterval: time.Minute}
	return New(cfg, st, q, clock, zap.NewNop()), clock
}

func TestTickFiresDueScheduleRule(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 11, 59, 30, 0, time.UTC)
	rule := scheduleRule("rule-1", "0 12 * * *")
	rule.CreatedAt = start
	st := newFakeRuleStore(rule)
	q := &fakeEnqueuer{}
	engine, clock := newTestEngine(st, q, start)

	engine.Tick(ctx)
	require.Empty(t, q.enqueued, "fired before the cron boundary")

	clock.Advance(time.Minute)
	engine.Tick(ctx)
	require.Len(t, q.enqueued, 1)
	require.Len(t, st.jobs, 1)
	require.Equal(t, "rule-1", st.jobs[0].OwnerKey)
	require.Equal(t, models.KindPublishPost, st.jobs[0].Kind)

	// The same boundary must not fire twice.
	clock.Advance(time.Minute)
	engine.Tick(ctx)
	require.Len(t, q.enqueued, 1)
}

func TestTickRespectsTimezone(t *testing.T) {
	ctx := context.Background()
	// 09:00 in New York is 13:00 UTC once daylight saving starts in March.
	start := time.Date(2026, 3, 20, 12, 30, 0, 0, time.UTC)
	rule := scheduleRule("rule-1", "0 9 * * *")
	rule.Trigger.Timezone = "America/New_York"
	rule.CreatedAt = start
	st := newFakeRuleStore(rule)
	q := &fakeEnqueuer{}
	engine, clock := newTestEngine(st, q, start)

	engine.Tick(ctx)
	require.Empty(t, q.enqueued)

	clock.Advance(31 * time.Minute)
	engine.Tick(ctx)
	require.Len(t, q.enqueued, 1)
}

func TestQuotaGateDailyLimit(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	rule := scheduleRule("rule-1", "* * * * *")
	rule.MaxPerDay = 2
	rule.CreatedAt = start
	st := newFakeRuleStore(rule)
	q := &fakeEnqueuer{}
	engine, clock := newTestEngine(st, q, start)

	for i := 0; i < 4; i++ {
		clock.Advance(time.Minute)
		engine.Tick(ctx)
	}
	require.Len(t, q.enqueued, 2, "daily quota must cap firings")

	// The next UTC day opens a fresh window.
	clock.Advance(24 * time.Hour)
	engine.Tick(ctx)
	require.Len(t, q.enqueued, 3)
}

func TestQuotaGateWeeklyLimit(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC) // a Monday
	rule := scheduleRule("rule-1", "* * * * *")
	rule.MaxPerWeek = 1
	rule.CreatedAt = start
	st := newFakeRuleStore(rule)
	q := &fakeEnqueuer{}
	engine, clock := newTestEngine(st, q, start)

	clock.Advance(time.Minute)
	engine.Tick(ctx)
	clock.Advance(time.Minute)
	engine.Tick(ctx)
	require.Len(t, q.enqueued, 1, "weekly quota must cap firings")
}

func TestQuotaGateCooldown(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	rule := scheduleRule("rule-1", "* * * * *")
	rule.Cooldown = 10 * time.Minute
	rule.CreatedAt = start
	st := newFakeRuleStore(rule)
	q := &fakeEnqueuer{}
	engine, clock := newTestEngine(st, q, start)

	clock.Advance(time.Minute)
	engine.Tick(ctx)
	require.Len(t, q.enqueued, 1)

	clock.Advance(5 * time.Minute)
	engine.Tick(ctx)
	require.Len(t, q.enqueued, 1, "cooldown must hold the second firing")

	clock.Advance(6 * time.Minute)
	engine.Tick(ctx)
	require.Len(t, q.enqueued, 2)
}

func TestOfferEvent(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	rule := scheduleRule("rule-1", "")
	rule.Trigger = models.Trigger{
		Type:      models.TriggerEvent,
		Condition: map[string]string{"follower_milestone": "1000"},
	}
	st := newFakeRuleStore(rule)
	q := &fakeEnqueuer{}
	engine, _ := newTestEngine(st, q, start)

	fired, err := engine.OfferEvent(ctx, map[string]string{"follower_milestone": "500"})
	require.NoError(t, err)
	require.Empty(t, fired)

	fired, err = engine.OfferEvent(ctx, map[string]string{
		"follower_milestone": "1000",
		"extra":              "ignored",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"rule-1"}, fired)
	require.Len(t, q.enqueued, 1)
}

func TestFireManual(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	rule := scheduleRule("rule-1", "0 12 * * *")
	rule.Pacing = &models.PacingProfile{Min: time.Second, Max: 3 * time.Second, Shape: "midbias"}
	st := newFakeRuleStore(rule)
	q := &fakeEnqueuer{}
	engine, _ := newTestEngine(st, q, start)

	job, err := engine.FireManual(ctx, "rule-1")
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.Contains(t, job.Payload, "pacing", "rule pacing must ride along on the job")

	_, err = engine.FireManual(ctx, "missing")
	require.ErrorIs(t, err, faults.ErrNotFound)
}

func TestFireManualSkippedByCooldown(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	rule := scheduleRule("rule-1", "0 12 * * *")
	rule.Cooldown = time.Hour
	st := newFakeRuleStore(rule)
	q := &fakeEnqueuer{}
	engine, _ := newTestEngine(st, q, start)

	_, err := engine.FireManual(ctx, "rule-1")
	require.NoError(t, err)

	_, err = engine.FireManual(ctx, "rule-1")
	var skipped *ErrSkipped
	require.ErrorAs(t, err, &skipped)
	require.Equal(t, SkipCooldown, skipped.Reason)
}

func TestValidateTrigger(t *testing.T) {
	cases := []struct {
		name    string
		trigger models.Trigger
		ok      bool
	}{
		{"valid cron", models.Trigger{Type: models.TriggerSchedule, Cron: "*/5 * * * *"}, true},
		{"bad cron", models.Trigger{Type: models.TriggerSchedule, Cron: "not a cron"}, false},
		{"bad timezone", models.Trigger{Type: models.TriggerSchedule, Cron: "0 * * * *", Timezone: "Mars/Olympus"}, false},
		{"event with condition", models.Trigger{Type: models.TriggerEvent, Condition: map[string]string{"k": "v"}}, true},
		{"event without condition", models.Trigger{Type: models.TriggerEvent}, false},
		{"manual", models.Trigger{Type: models.TriggerManual}, true},
		{"unknown", models.Trigger{Type: "psychic"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateTrigger(tc.trigger)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.True(t, faults.IsValidation(err), "want validation error, got %v", err)
			}
		})
	}
}
