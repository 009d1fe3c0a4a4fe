package models

import (
	"time"
)

// JobState enumerates lifecycle states persisted in Postgres.
const (
	StatePending    = "pending"
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
	StateCancelled  = "cancelled"
)

// Job kinds the dispatcher knows how to route.
const (
	KindGenerateImage    = "generate_image"
	KindGenerateVideo    = "generate_video"
	KindGenerateText     = "generate_text"
	KindGenerateVoice    = "generate_voice"
	KindPublishPost      = "publish_post"
	KindEngagementAction = "engagement_action"
)

// Priority bounds for jobs; 1 is dispatched first.
const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// KnownKind reports whether kind is one of the dispatchable job kinds.
func KnownKind(kind string) bool {
	switch kind {
	case KindGenerateImage, KindGenerateVideo, KindGenerateText, KindGenerateVoice,
		KindPublishPost, KindEngagementAction:
		return true
	}
	return false
}

// Job represents one unit of dispatchable work persisted in Postgres.
type Job struct {
	ID             string         `json:"id"`
	Kind           string         `json:"kind"`
	Priority       int            `json:"priority"`
	OwnerKey       string         `json:"owner_key"`
	ResourceKey    string         `json:"resource_key"`
	Payload        map[string]any `json:"payload"`
	State          string         `json:"state"`
	AttemptCount   int            `json:"attempt_count"`
	MaxAttempts    int            `json:"max_attempts"`
	NotBefore      time.Time      `json:"not_before"`
	ClaimedBy      *string        `json:"claimed_by,omitempty"`
	ClaimExpiresAt *time.Time     `json:"claim_expires_at,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Terminal reports whether the job can make no further progress.
func (j Job) Terminal() bool {
	switch j.State {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}
