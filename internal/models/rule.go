package models

import (
	"time"
)

// Trigger types for automation rules.
const (
	TriggerSchedule = "schedule"
	TriggerEvent    = "event"
	TriggerManual   = "manual"
)

// Trigger describes when a rule fires. Exactly one of the optional fields is
// meaningful for a given Type.
type Trigger struct {
	Type string `json:"type"`
	// Cron holds a standard 5-field cron expression for schedule triggers.
	Cron string `json:"cron,omitempty"`
	// Timezone is an IANA zone name the cron expression is evaluated in.
	// Empty means UTC.
	Timezone string `json:"timezone,omitempty"`
	// Condition holds equality clauses matched against caller-supplied event
	// snapshots for event triggers.
	Condition map[string]string `json:"condition,omitempty"`
}

// JobTemplate is the shape of jobs a rule produces.
type JobTemplate struct {
	Kind        string         `json:"kind"`
	Priority    int            `json:"priority"`
	Payload     map[string]any `json:"payload"`
	MaxAttempts int            `json:"max_attempts"`
}

// PacingProfile bounds the randomized delay inserted before dispatching a
// rule's jobs. Shape is "uniform" or "midbias".
type PacingProfile struct {
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Shape string        `json:"shape"`
}

// AutomationRule is declarative configuration that produces jobs.
type AutomationRule struct {
	ID             string         `json:"id"`
	OwnerKey       string         `json:"owner_key"`
	Enabled        bool           `json:"enabled"`
	Trigger        Trigger        `json:"trigger"`
	JobTemplate    JobTemplate    `json:"job_template"`
	ResourceKey    string         `json:"resource_key"`
	MaxPerDay      int            `json:"max_per_day"`
	MaxPerWeek     int            `json:"max_per_week"`
	Cooldown       time.Duration  `json:"cooldown"`
	Pacing         *PacingProfile `json:"pacing,omitempty"`
	ExecutionCount int            `json:"execution_count"`
	LastExecutedAt *time.Time     `json:"last_executed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
