// Package dispatcher drives the worker pool that turns claimed jobs into
// collaborator calls, under per-resource rate limits and human-like pacing.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"automation-dispatch-engine/internal/config"
	"automation-dispatch-engine/internal/faults"
	"automation-dispatch-engine/internal/models"
	"automation-dispatch-engine/internal/pacing"
	"automation-dispatch-engine/internal/platform"
	"automation-dispatch-engine/internal/ratelimit"
	"automation-dispatch-engine/internal/telemetry"
)

// Queue is the coordination slice the dispatcher consumes.
type Queue interface {
	ClaimNext(ctx context.Context, workerID, resourceFilter string) (string, error)
	Schedule(ctx context.Context, jobID string, priority int, resourceKey string, runAt time.Time) error
	PromoteScheduled(ctx context.Context, limit int64) (int, error)
	ReclaimExpired(ctx context.Context, limit int64) ([]string, error)
	ExtendClaim(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	Release(ctx context.Context, jobID string) error
	ReadyDepth(ctx context.Context) (int64, error)
	InflightDepth(ctx context.Context) (int64, error)
}

// Store is the persistence slice the dispatcher consumes.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkProcessing(ctx context.Context, id, workerID string, claimExpires time.Time) (bool, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, attempts int, lastError string) error
	ReturnForRetry(ctx context.Context, id string, attempts int, notBefore time.Time, lastError string) error
	Reschedule(ctx context.Context, id string, notBefore time.Time) error
	ResetClaim(ctx context.Context, id string) error
	AppendDispatchRecord(ctx context.Context, rec models.DispatchRecord) error
}

// Limiter gates dispatches per resource key.
type Limiter interface {
	TryAcquire(ctx context.Context, resourceKey string, cost int) (ratelimit.Decision, error)
}

// Pacer draws the randomized pre-dispatch delay.
type Pacer interface {
	NextDelay(profile models.PacingProfile) time.Duration
}

// Sink consumes job status transitions, best-effort.
type Sink interface {
	Emit(ctx context.Context, event models.StatusEvent)
}

// Dispatcher runs a pool of workers against the shared queue.
type Dispatcher struct {
	cfg      config.Config
	queue    Queue
	store    Store
	limiter  Limiter
	pacer    Pacer
	provider platform.GenerationProvider
	adapter  platform.PlatformAdapter
	sink     Sink
	clock    clockwork.Clock
	logger   *zap.Logger
	workerID string
}

// New constructs a dispatcher. workerID identifies this instance in claim
// stamps; workers suffix it with their index.
func New(cfg config.Config, q Queue, st Store, limiter Limiter, pacer Pacer,
	provider platform.GenerationProvider, adapter platform.PlatformAdapter,
	sink Sink, clock clockwork.Clock, logger *zap.Logger, workerID string) *Dispatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if pacer == nil {
		pacer = pacing.New()
	}
	return &Dispatcher{
		cfg:      cfg,
		queue:    q,
		store:    st,
		limiter:  limiter,
		pacer:    pacer,
		provider: provider,
		adapter:  adapter,
		sink:     sink,
		clock:    clock,
		logger:   logger,
		workerID: workerID,
	}
}

// Run starts the worker pool and the maintenance sweep, blocking until the
// context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	workers := d.cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	wg.Add(workers + 1)
	for i := 0; i < workers; i++ {
		id := fmt.Sprintf("%s-%d", d.workerID, i)
		go func() {
			defer wg.Done()
			d.workerLoop(ctx, id)
		}()
	}
	go func() {
		defer wg.Done()
		d.maintenanceLoop(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

// maintenanceLoop promotes due scheduled jobs and reclaims expired claims.
func (d *Dispatcher) maintenanceLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.clock.After(d.cfg.WorkerPollInterval):
		}
		d.RunMaintenance(ctx)
	}
}

// RunMaintenance performs one promotion + reclaim pass. Exported so tests
// and the worker tick can drive it directly.
func (d *Dispatcher) RunMaintenance(ctx context.Context) {
	if _, err := d.queue.PromoteScheduled(ctx, int64(d.cfg.ScheduledBatchSize)); err != nil {
		d.logger.Warn("promote scheduled failed", zap.Error(err))
	}

	reclaimed, err := d.queue.ReclaimExpired(ctx, int64(d.cfg.ReclaimBatchSize))
	if err != nil {
		d.logger.Warn("reclaim sweep failed", zap.Error(err))
	}
	for _, id := range reclaimed {
		if err := d.store.ResetClaim(ctx, id); err != nil {
			d.logger.Warn("reset claim failed", zap.String("job_id", id), zap.Error(err))
			continue
		}
		telemetry.ReclaimedJobs.Inc()
		d.emit(ctx, id, models.StatePending)
		d.logger.Info("reclaimed stuck job", zap.String("job_id", id))
	}

	if depth, err := d.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	if inflight, err := d.queue.InflightDepth(ctx); err == nil {
		telemetry.InFlightGauge.Set(float64(inflight))
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobID, err := d.queue.ClaimNext(ctx, workerID, "")
		if err != nil {
			// Store/Redis trouble backs off the claim itself; this is not a
			// job failure and consumes no attempt.
			d.logger.Warn("claim failed", zap.Error(err))
			d.sleep(ctx, d.cfg.ClaimErrorWait)
			continue
		}
		if jobID == "" {
			d.sleep(ctx, d.cfg.WorkerPollInterval)
			continue
		}

		d.handleClaim(ctx, workerID, jobID)
	}
}

// handleClaim runs one claimed job through limit, pacing, dispatch, and
// outcome recording.
func (d *Dispatcher) handleClaim(ctx context.Context, workerID, jobID string) {
	job, err := d.store.GetJob(ctx, jobID)
	if errors.Is(err, faults.ErrNotFound) {
		_ = d.queue.Ack(ctx, jobID)
		return
	}
	if err != nil {
		d.logger.Warn("load claimed job failed", zap.String("job_id", jobID), zap.Error(err))
		_ = d.queue.Release(ctx, jobID)
		return
	}
	if job.Terminal() {
		// Cancelled (or otherwise finished) while queued.
		_ = d.queue.Ack(ctx, jobID)
		return
	}
	if job.State == models.StateProcessing {
		// Reclaimed from a dead worker, but the sweep's state reset failed.
		// Repair the row here; if the store is still down, keep the claim so
		// the next sweep retries instead of dropping the job.
		if err := d.store.ResetClaim(ctx, job.ID); err != nil {
			d.logger.Warn("reset stale processing state failed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		job.State = models.StatePending
	}

	claimExpires := d.clock.Now().Add(d.cfg.ClaimTTL)
	ok, err := d.store.MarkProcessing(ctx, job.ID, workerID, claimExpires)
	if err != nil {
		d.logger.Warn("mark processing failed", zap.String("job_id", job.ID), zap.Error(err))
		_ = d.queue.Release(ctx, jobID)
		return
	}
	if !ok {
		// The row left pending between the load and the update. Only rows
		// that actually finished are dropped; anything else keeps its claim
		// so the next reclaim sweep can recover it.
		if current, cerr := d.store.GetJob(ctx, job.ID); cerr == nil && current.Terminal() {
			_ = d.queue.Ack(ctx, jobID)
		}
		return
	}
	d.emit(ctx, job.ID, models.StateProcessing)

	decision, err := d.limiter.TryAcquire(ctx, job.ResourceKey, 1)
	if err != nil {
		d.logger.Warn("rate limiter unavailable", zap.String("job_id", job.ID), zap.Error(err))
		d.deferJob(ctx, job, d.clock.Now().Add(d.cfg.ClaimErrorWait))
		return
	}
	if !decision.Granted {
		// Rate-limit denial is not a failed attempt: the job goes back to
		// pending with not_before at the bucket's reset time.
		telemetry.RateLimitDefers.Inc()
		d.logger.Info("rate limited, rescheduled",
			zap.String("job_id", job.ID),
			zap.String("resource_key", job.ResourceKey),
			zap.Time("reset_at", decision.ResetAt))
		d.deferJob(ctx, job, decision.ResetAt)
		return
	}

	delay := d.pacer.NextDelay(d.pacingProfile(job))
	if delay > 0 {
		telemetry.PacingSleep.Observe(delay.Seconds())
		// Pacing plus the dispatch ceiling may outlive the claim; extend once.
		if delay+d.cfg.DispatchTimeout > d.cfg.ClaimTTL/2 {
			_ = d.queue.ExtendClaim(ctx, job.ID, delay+d.cfg.DispatchTimeout+d.cfg.ClaimTTL)
		}
		if !d.sleep(ctx, delay) {
			// Shutdown during the pacing sleep: hand the untouched job back.
			d.release(job)
			return
		}
	}

	d.dispatch(ctx, job)
}

// dispatch invokes the collaborator for the job's kind and settles the outcome.
func (d *Dispatcher) dispatch(ctx context.Context, job models.Job) {
	attempt := job.AttemptCount + 1
	started := d.clock.Now()

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.DispatchTimeout)
	ref, err := d.invoke(callCtx, job)
	cancel()
	if err != nil && callCtx.Err() == context.DeadlineExceeded {
		// Collaborator exceeded the configured ceiling.
		err = faults.Transient(fmt.Errorf("dispatch exceeded %s ceiling", d.cfg.DispatchTimeout))
	}
	finished := d.clock.Now()

	rec := models.DispatchRecord{
		JobID:         job.ID,
		AttemptNumber: attempt,
		StartedAt:     started,
		FinishedAt:    finished,
	}

	if err == nil {
		rec.Outcome = models.OutcomeSuccess
		rec.ResultRef = ref
		d.append(ctx, rec)
		if err := d.store.MarkCompleted(ctx, job.ID); err != nil {
			d.logger.Warn("mark completed failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		_ = d.queue.Ack(ctx, job.ID)
		telemetry.DispatchSuccess.Inc()
		d.emit(ctx, job.ID, models.StateCompleted)
		d.logger.Info("dispatched",
			zap.String("job_id", job.ID),
			zap.String("kind", job.Kind),
			zap.Int("attempt", attempt),
			zap.String("ref", ref))
		return
	}

	detail := err.Error()
	switch faults.Classify(err) {
	case faults.ClassPermanent, faults.ClassValidation:
		// Terminal regardless of remaining attempt budget; retrying a
		// permanently-rejected request only burns quota.
		rec.Outcome = models.OutcomePermanentError
		rec.ErrorDetail = detail
		d.append(ctx, rec)
		if err := d.store.MarkFailed(ctx, job.ID, attempt, detail); err != nil {
			d.logger.Warn("mark failed failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		_ = d.queue.Ack(ctx, job.ID)
		telemetry.DispatchPermanent.Inc()
		d.emit(ctx, job.ID, models.StateFailed)
		d.logger.Warn("permanent failure",
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempt),
			zap.String("error", detail))
		return
	default:
		rec.Outcome = models.OutcomeTransientError
		rec.ErrorDetail = detail
		d.append(ctx, rec)
		telemetry.DispatchTransient.Inc()

		if attempt >= job.MaxAttempts {
			if err := d.store.MarkFailed(ctx, job.ID, attempt, detail); err != nil {
				d.logger.Warn("mark failed failed", zap.String("job_id", job.ID), zap.Error(err))
			}
			_ = d.queue.Ack(ctx, job.ID)
			d.emit(ctx, job.ID, models.StateFailed)
			d.logger.Warn("attempts exhausted",
				zap.String("job_id", job.ID),
				zap.Int("attempts", attempt),
				zap.String("error", detail))
			return
		}

		notBefore := d.clock.Now().Add(Backoff(d.cfg.BackoffBase, d.cfg.BackoffMax, attempt))
		if err := d.store.ReturnForRetry(ctx, job.ID, attempt, notBefore, detail); err != nil {
			d.logger.Warn("return for retry failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		_ = d.queue.Release(ctx, job.ID)
		_ = d.queue.Schedule(ctx, job.ID, job.Priority, job.ResourceKey, notBefore)
		d.emit(ctx, job.ID, models.StatePending)
		d.logger.Info("retry scheduled",
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempt),
			zap.Time("not_before", notBefore),
			zap.String("error", detail))
		return
	}
}

// invoke routes the job to the collaborator for its kind.
func (d *Dispatcher) invoke(ctx context.Context, job models.Job) (string, error) {
	switch job.Kind {
	case models.KindGenerateImage, models.KindGenerateVideo, models.KindGenerateText, models.KindGenerateVoice:
		return d.provider.Generate(ctx, job.Kind, job.Payload)
	case models.KindPublishPost:
		return d.adapter.Publish(ctx, job.ResourceKey, job.Payload)
	case models.KindEngagementAction:
		return "", d.adapter.Engage(ctx, job.ResourceKey, job.Payload)
	default:
		return "", faults.Permanent(fmt.Errorf("no collaborator for kind %q", job.Kind))
	}
}

// deferJob returns a claimed job to pending at notBefore without consuming an attempt.
func (d *Dispatcher) deferJob(ctx context.Context, job models.Job, notBefore time.Time) {
	if err := d.store.Reschedule(ctx, job.ID, notBefore); err != nil {
		d.logger.Warn("reschedule failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	_ = d.queue.Release(ctx, job.ID)
	_ = d.queue.Schedule(ctx, job.ID, job.Priority, job.ResourceKey, notBefore)
	d.emit(ctx, job.ID, models.StatePending)
}

// release hands a job back untouched during shutdown, off the dying context.
func (d *Dispatcher) release(job models.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.ResetClaim(ctx, job.ID); err != nil {
		d.logger.Warn("shutdown release failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	_ = d.queue.Release(ctx, job.ID)
	_ = d.queue.Schedule(ctx, job.ID, job.Priority, job.ResourceKey, d.clock.Now())
}

// pacingProfile resolves the delay bounds for a job: payload override first,
// then the configured defaults.
func (d *Dispatcher) pacingProfile(job models.Job) models.PacingProfile {
	profile := models.PacingProfile{
		Min:   d.cfg.PacingMin,
		Max:   d.cfg.PacingMax,
		Shape: d.cfg.PacingShape,
	}
	raw, ok := job.Payload["pacing"]
	if !ok {
		return profile
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return profile
	}
	var override struct {
		MinMS *int64  `json:"min_ms"`
		MaxMS *int64  `json:"max_ms"`
		Shape *string `json:"shape"`
	}
	if err := json.Unmarshal(data, &override); err != nil {
		return profile
	}
	if override.MinMS != nil {
		profile.Min = time.Duration(*override.MinMS) * time.Millisecond
	}
	if override.MaxMS != nil {
		profile.Max = time.Duration(*override.MaxMS) * time.Millisecond
	}
	if override.Shape != nil {
		profile.Shape = *override.Shape
	}
	return profile
}

func (d *Dispatcher) append(ctx context.Context, rec models.DispatchRecord) {
	if err := d.store.AppendDispatchRecord(ctx, rec); err != nil {
		d.logger.Warn("append dispatch record failed", zap.String("job_id", rec.JobID), zap.Error(err))
	}
}

func (d *Dispatcher) emit(ctx context.Context, jobID, state string) {
	if d.sink == nil {
		return
	}
	d.sink.Emit(ctx, models.StatusEvent{JobID: jobID, State: state, Timestamp: d.clock.Now()})
}

// sleep waits for the duration on the injected clock; false means the
// context was cancelled first.
func (d *Dispatcher) sleep(ctx context.Context, duration time.Duration) bool {
	if duration <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-d.clock.After(duration):
		return true
	}
}
