package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"automation-dispatch-engine/internal/faults"
	"automation-dispatch-engine/internal/models"
)

// AppendDispatchRecord writes one immutable audit row for a dispatch attempt.
// Rows are never updated after insert.
func (s *Store) AppendDispatchRecord(ctx context.Context, rec models.DispatchRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dispatch_records (job_id, attempt_number, started_at, finished_at, outcome, result_ref, error_detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.JobID, rec.AttemptNumber, rec.StartedAt, rec.FinishedAt, rec.Outcome, rec.ResultRef, rec.ErrorDetail)
	return faults.System(err)
}

// ListDispatchRecords returns a job's attempt history, oldest first.
func (s *Store) ListDispatchRecords(ctx context.Context, jobID string) ([]models.DispatchRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, attempt_number, started_at, finished_at, outcome, result_ref, error_detail
		FROM dispatch_records WHERE job_id = $1 ORDER BY attempt_number
	`, jobID)
	if err != nil {
		return nil, faults.System(err)
	}
	defer rows.Close()

	var recs []models.DispatchRecord
	for rows.Next() {
		var rec models.DispatchRecord
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.AttemptNumber, &rec.StartedAt, &rec.FinishedAt, &rec.Outcome, &rec.ResultRef, &rec.ErrorDetail); err != nil {
			return nil, faults.System(err)
		}
		recs = append(recs, rec)
	}
	return recs, faults.System(rows.Err())
}

// UpsertResourceLimit sets the token bucket parameters for one resource key.
func (s *Store) UpsertResourceLimit(ctx context.Context, limit models.ResourceLimit) error {
	if limit.ResourceKey == "" {
		return faults.Validation("resource_key is required")
	}
	if limit.Capacity < 0 || limit.RefillPerSecond < 0 {
		return faults.Validation("capacity and refill rate must be non-negative")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO resource_limits (resource_key, capacity, refill_per_second, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (resource_key) DO UPDATE
		SET capacity = EXCLUDED.capacity, refill_per_second = EXCLUDED.refill_per_second, updated_at = NOW()
	`, limit.ResourceKey, limit.Capacity, limit.RefillPerSecond)
	if err != nil {
		return faults.System(fmt.Errorf("upsert resource limit: %w", err))
	}
	return nil
}

// GetResourceLimit returns the configured bucket for a resource key.
func (s *Store) GetResourceLimit(ctx context.Context, resourceKey string) (models.ResourceLimit, error) {
	var limit models.ResourceLimit
	err := s.pool.QueryRow(ctx, `
		SELECT resource_key, capacity, refill_per_second, updated_at
		FROM resource_limits WHERE resource_key = $1
	`, resourceKey).Scan(&limit.ResourceKey, &limit.Capacity, &limit.RefillPerSecond, &limit.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ResourceLimit{}, faults.ErrNotFound
	}
	if err != nil {
		return models.ResourceLimit{}, faults.System(err)
	}
	return limit, nil
}

// ListResourceLimits returns every configured bucket.
func (s *Store) ListResourceLimits(ctx context.Context) ([]models.ResourceLimit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT resource_key, capacity, refill_per_second, updated_at FROM resource_limits ORDER BY resource_key
	`)
	if err != nil {
		return nil, faults.System(err)
	}
	defer rows.Close()

	var limits []models.ResourceLimit
	for rows.Next() {
		var limit models.ResourceLimit
		if err := rows.Scan(&limit.ResourceKey, &limit.Capacity, &limit.RefillPerSecond, &limit.UpdatedAt); err != nil {
			return nil, faults.System(err)
		}
		limits = append(limits, limit)
	}
	return limits, faults.System(rows.Err())
}
