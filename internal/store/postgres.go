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
	"github.com/jackc/pgx/v5/pgxpool"

	"automation-dispatch-engine/internal/faults"
	"automation-dispatch-engine/internal/models"
)

// Store wraps pgxpool for Postgres persistence. It is the system of record
// for jobs, automation rules, dispatch records, and resource limits; Redis
// only coordinates.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Kind           string
	Priority       int
	OwnerKey       string
	ResourceKey    string
	Payload        map[string]any
	IdempotencyKey string
	NotBefore      time.Time
	MaxAttempts    int
	IdempotencyTTL time.Duration
}

// CreateJob inserts a job row in pending state, honoring idempotency if a key
// is provided. It returns the job and whether an existing job was reused.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if !models.KnownKind(p.Kind) {
		return models.Job{}, false, faults.Validation("unknown job kind %q", p.Kind)
	}
	if p.Priority < models.PriorityHighest || p.Priority > models.PriorityLowest {
		return models.Job{}, false, faults.Validation("priority %d outside [%d,%d]", p.Priority, models.PriorityHighest, models.PriorityLowest)
	}
	if p.ResourceKey == "" {
		return models.Job{}, false, faults.Validation("resource_key is required")
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	// If an idempotency key already exists, short-circuit before creating anything.
	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, faults.System(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, kind, priority, owner_key, resource_key, payload, state, attempt_count, max_attempts, not_before, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $10)
	`, id, p.Kind, p.Priority, p.OwnerKey, p.ResourceKey, payloadJSON, models.StatePending, p.MaxAttempts, p.NotBefore, now)
	if err != nil {
		return models.Job{}, false, faults.System(fmt.Errorf("insert job: %w", err))
	}

	if p.IdempotencyKey != "" {
		expires := now.Add(p.IdempotencyTTL)
		// An expired key is stolen in place; only a live key conflicts.
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE
			SET job_id = EXCLUDED.job_id, expires_at = EXCLUDED.expires_at
			WHERE idempotency_keys.expires_at <= NOW()
		`, p.IdempotencyKey, id, expires)
		if err != nil {
			return models.Job{}, false, faults.System(fmt.Errorf("insert idempotency key: %w", err))
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check; return existing job.
			if err := tx.Rollback(ctx); err != nil {
				return models.Job{}, false, faults.System(fmt.Errorf("rollback after idempotency conflict: %w", err))
			}
			existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Job{}, false, err
			}
			if !found {
				return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, faults.System(fmt.Errorf("commit: %w", err))
	}

	return models.Job{
		ID:             id,
		Kind:           p.Kind,
		Priority:       p.Priority,
		OwnerKey:       p.OwnerKey,
		ResourceKey:    p.ResourceKey,
		Payload:        p.Payload,
		State:          models.StatePending,
		AttemptCount:   0,
		MaxAttempts:    p.MaxAttempts,
		NotBefore:      p.NotBefore,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

// FindByIdempotencyKey returns the job mapped to the key if present and unexpired.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, faults.System(fmt.Errorf("query idempotency key: %w", err))
	}
	job, err := s.GetJob(ctx, id)
	if errors.Is(err, faults.ErrNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

const jobColumns = `id, kind, priority, owner_key, resource_key, payload, state, attempt_count, max_attempts, not_before, claimed_by, claim_expires_at, last_error, idempotency_key, created_at, updated_at`

// GetJob fetches a job by id. Missing jobs produce faults.ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, faults.ErrNotFound
	}
	if err != nil {
		return models.Job{}, faults.System(err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var claimedBy, lastErr, idem pgtype.Text
	var claimExpires pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.Kind, &job.Priority, &job.OwnerKey, &job.ResourceKey,
		&payloadJSON, &job.State, &job.AttemptCount, &job.MaxAttempts, &job.NotBefore,
		&claimedBy, &claimExpires, &lastErr, &idem, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.ClaimedBy = textPtr(claimedBy)
	job.LastError = textPtr(lastErr)
	job.IdempotencyKey = textPtr(idem)
	if claimExpires.Valid {
		t := claimExpires.Time
		job.ClaimExpiresAt = &t
	}
	return job, nil
}

// MarkProcessing transitions pending -> processing with a conditional update,
// stamping the claiming worker and claim deadline. It returns false when the
// job is no longer pending (cancelled out from under the claim, or raced).
func (s *Store) MarkProcessing(ctx context.Context, id, workerID string, claimExpires time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = $2, claimed_by = $3, claim_expires_at = $4, updated_at = NOW()
		WHERE id = $1 AND state = $5
	`, id, models.StateProcessing, workerID, claimExpires, models.StatePending)
	if err != nil {
		return false, faults.System(err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted transitions a job to completed.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = $2, claimed_by = NULL, claim_expires_at = NULL, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StateCompleted)
	return faults.System(err)
}

// MarkFailed transitions a job to terminal failed, keeping the final error.
func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = $2, attempt_count = $3, last_error = $4, claimed_by = NULL, claim_expires_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StateFailed, attempts, lastError)
	return faults.System(err)
}

// MarkCancelled transitions pending -> cancelled. It returns false when the
// job was not pending; processing jobs finish their current attempt first.
func (s *Store) MarkCancelled(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, updated_at = NOW() WHERE id = $1 AND state = $3
	`, id, models.StateCancelled, models.StatePending)
	if err != nil {
		return false, faults.System(err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReturnForRetry puts a transiently-failed job back to pending with its
// attempt count bumped and not_before advanced by the backoff.
func (s *Store) ReturnForRetry(ctx context.Context, id string, attempts int, notBefore time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = $2, attempt_count = $3, not_before = $4, last_error = $5, claimed_by = NULL, claim_expires_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatePending, attempts, notBefore, lastError)
	return faults.System(err)
}

// Reschedule defers a job without consuming an attempt (rate-limit denial).
func (s *Store) Reschedule(ctx context.Context, id string, notBefore time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = $2, not_before = $3, claimed_by = NULL, claim_expires_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatePending, notBefore)
	return faults.System(err)
}

// ResetClaim returns a stuck processing job to pending after the reclaim
// sweep pulled it off the in-flight set. Attempt count is untouched; the
// interrupted attempt never reported an outcome.
func (s *Store) ResetClaim(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = $2, claimed_by = NULL, claim_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND state = $3
	`, id, models.StatePending, models.StateProcessing)
	return faults.System(err)
}

// ListFailed returns terminal failed jobs, newest first, for operator inspection.
func (s *Store) ListFailed(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE state = $1 ORDER BY updated_at DESC LIMIT $2
	`, models.StateFailed, limit)
	if err != nil {
		return nil, faults.System(err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, faults.System(err)
		}
		jobs = append(jobs, job)
	}
	return jobs, faults.System(rows.Err())
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
