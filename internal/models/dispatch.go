package models

import (
	"time"
)

// Dispatch outcomes recorded per attempt.
const (
	OutcomeSuccess        = "success"
	OutcomeTransientError = "transient_error"
	OutcomePermanentError = "permanent_error"
)

// DispatchRecord is an append-only audit entry, one per dispatch attempt.
type DispatchRecord struct {
	ID            int64     `json:"id"`
	JobID         string    `json:"job_id"`
	AttemptNumber int       `json:"attempt_number"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Outcome       string    `json:"outcome"`
	ResultRef     string    `json:"result_ref,omitempty"`
	ErrorDetail   string    `json:"error_detail,omitempty"`
}

// ResourceLimit is the operator-configured token bucket for one resource key.
type ResourceLimit struct {
	ResourceKey     string    `json:"resource_key"`
	Capacity        int       `json:"capacity"`
	RefillPerSecond float64   `json:"refill_per_second"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// StatusEvent is emitted on every job state transition. Delivery is
// best-effort; nothing in the engine depends on a sink seeing it.
type StatusEvent struct {
	JobID     string    `json:"job_id"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}
