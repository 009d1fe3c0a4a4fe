// Package api exposes the management surface: job submission and inspection,
// rule CRUD, event offers, and resource-limit administration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"automation-dispatch-engine/internal/config"
	"automation-dispatch-engine/internal/faults"
	"automation-dispatch-engine/internal/models"
	"automation-dispatch-engine/internal/rules"
	"automation-dispatch-engine/internal/store"
	"automation-dispatch-engine/internal/telemetry"
)

// JobStore is the persistence slice the API consumes.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkCancelled(ctx context.Context, id string) (bool, error)
	ListFailed(ctx context.Context, limit int) ([]models.Job, error)
	ListDispatchRecords(ctx context.Context, jobID string) ([]models.DispatchRecord, error)
	CreateRule(ctx context.Context, rule models.AutomationRule) (models.AutomationRule, error)
	UpdateRule(ctx context.Context, rule models.AutomationRule) (models.AutomationRule, error)
	DeleteRule(ctx context.Context, id string) error
	GetRule(ctx context.Context, id string) (models.AutomationRule, error)
	ListRules(ctx context.Context) ([]models.AutomationRule, error)
	UpsertResourceLimit(ctx context.Context, limit models.ResourceLimit) error
	GetResourceLimit(ctx context.Context, resourceKey string) (models.ResourceLimit, error)
	ListResourceLimits(ctx context.Context) ([]models.ResourceLimit, error)
}

// JobQueue is the coordination slice the API consumes.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string, priority int, resourceKey string, notBefore time.Time) error
	Remove(ctx context.Context, jobID string) error
}

// RuleRunner fires rules on demand and accepts event snapshots.
type RuleRunner interface {
	FireManual(ctx context.Context, ruleID string) (models.Job, error)
	OfferEvent(ctx context.Context, snapshot map[string]string) ([]string, error)
}

// LimitInvalidator drops a cached limit after an admin update.
type LimitInvalidator interface {
	Invalidate(resourceKey string)
}

// Server wires HTTP handlers for the management API.
type Server struct {
	cfg    config.Config
	store  JobStore
	queue  JobQueue
	rules  RuleRunner
	limits LimitInvalidator
	logger *zap.Logger
}

// New constructs the API server. rules and limits may be nil when the
// deployment runs without a rule engine or limit cache.
func New(cfg config.Config, st JobStore, q JobQueue, runner RuleRunner, limits LimitInvalidator, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		store:  st,
		queue:  q,
		rules:  runner,
		limits: limits,
		logger: logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/failed", s.handleListFailed)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)

	r.Post("/rules", s.handleCreateRule)
	r.Get("/rules", s.handleListRules)
	r.Get("/rules/{id}", s.handleGetRule)
	r.Put("/rules/{id}", s.handleUpdateRule)
	r.Delete("/rules/{id}", s.handleDeleteRule)
	r.Post("/rules/{id}/run", s.handleRunRule)

	r.Post("/events", s.handleOfferEvent)

	r.Get("/limits", s.handleListLimits)
	r.Get("/limits/{key}", s.handleGetLimit)
	r.Put("/limits/{key}", s.handlePutLimit)

	return r
}

type enqueueRequest struct {
	Kind           string         `json:"kind"`
	Priority       int            `json:"priority"`
	ResourceKey    string         `json:"resource_key"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
	NotBefore      *time.Time     `json:"not_before"`
	DelaySeconds   int            `json:"delay_seconds"`
	MaxAttempts    int            `json:"max_attempts"`
}

type enqueueResponse struct {
	Job        models.Job `json:"job"`
	Idempotent bool       `json:"idempotent"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	if req.Priority == 0 {
		req.Priority = models.PriorityDefault
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.cfg.MaxAttempts
	}
	notBefore := time.Now()
	if req.NotBefore != nil {
		notBefore = *req.NotBefore
	}
	if req.DelaySeconds > 0 {
		notBefore = time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}
	// Reject stale schedules before touching the store so a bad not_before
	// cannot leave behind a pending row the queue refused to accept.
	if notBefore.Before(time.Now().Add(-s.cfg.SkewTolerance)) {
		s.writeError(w, faults.Validation("not_before %s is in the past beyond skew tolerance", notBefore.UTC().Format(time.RFC3339)))
		return
	}

	job, idempotent, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Kind:           req.Kind,
		Priority:       req.Priority,
		OwnerKey:       ownerFromRequest(r),
		ResourceKey:    req.ResourceKey,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		NotBefore:      notBefore,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyTTL: s.cfg.IdempotencyTTL,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	if !idempotent {
		if err := s.queue.Enqueue(r.Context(), job.ID, job.Priority, job.ResourceKey, job.NotBefore); err != nil {
			s.logger.Error("enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
			s.writeError(w, err)
			return
		}
		telemetry.EnqueueCounter.Inc()
	}

	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: job, Idempotent: idempotent})
}

type jobStatusResponse struct {
	Job     models.Job              `json:"job"`
	Records []models.DispatchRecord `json:"records"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	records, err := s.store.ListDispatchRecords(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobStatusResponse{Job: job, Records: records})
}

// handleCancel is pending-only: a job already claimed by a worker finishes
// its in-flight attempt and cannot be yanked back.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	cancelled, err := s.store.MarkCancelled(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !cancelled {
		http.Error(w, `job is not pending`, http.StatusConflict)
		return
	}
	if err := s.queue.Remove(r.Context(), id); err != nil {
		s.logger.Warn("queue remove after cancel failed", zap.String("job_id", id), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StateCancelled})
}

func (s *Server) handleListFailed(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListFailed(r.Context(), 100)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule models.AutomationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if rule.OwnerKey == "" {
		rule.OwnerKey = ownerFromRequest(r)
	}
	if err := rules.ValidateTrigger(rule.Trigger); err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.store.CreateRule(r.Context(), rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule models.AutomationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	rule.ID = chi.URLParam(r, "id")
	if err := rules.ValidateTrigger(rule.Trigger); err != nil {
		s.writeError(w, err)
		return
	}
	updated, err := s.store.UpdateRule(r.Context(), rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.store.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListRules(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": list})
}

func (s *Server) handleRunRule(w http.ResponseWriter, r *http.Request) {
	if s.rules == nil {
		http.Error(w, "rule engine not available", http.StatusServiceUnavailable)
		return
	}
	job, err := s.rules.FireManual(r.Context(), chi.URLParam(r, "id"))
	var skipped *rules.ErrSkipped
	if errors.As(err, &skipped) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"status": "skipped",
			"reason": skipped.Reason,
		})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "fired", "job": job})
}

func (s *Server) handleOfferEvent(w http.ResponseWriter, r *http.Request) {
	if s.rules == nil {
		http.Error(w, "rule engine not available", http.StatusServiceUnavailable)
		return
	}
	var snapshot map[string]string
	if err := json.NewDecoder(r.Body).Decode(&snapshot); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	fired, err := s.rules.OfferEvent(r.Context(), snapshot)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if fired == nil {
		fired = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"fired": fired})
}

type limitRequest struct {
	Capacity        int     `json:"capacity"`
	RefillPerSecond float64 `json:"refill_per_second"`
}

func (s *Server) handlePutLimit(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req limitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Capacity < 0 || req.RefillPerSecond < 0 {
		http.Error(w, "capacity and refill_per_second must be non-negative", http.StatusBadRequest)
		return
	}
	limit := models.ResourceLimit{
		ResourceKey:     key,
		Capacity:        req.Capacity,
		RefillPerSecond: req.RefillPerSecond,
	}
	if err := s.store.UpsertResourceLimit(r.Context(), limit); err != nil {
		s.writeError(w, err)
		return
	}
	if s.limits != nil {
		s.limits.Invalidate(key)
	}
	writeJSON(w, http.StatusOK, limit)
}

func (s *Server) handleGetLimit(w http.ResponseWriter, r *http.Request) {
	limit, err := s.store.GetResourceLimit(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, limit)
}

func (s *Server) handleListLimits(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListResourceLimits(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"limits": list})
}

// writeError maps fault classes onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, faults.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case faults.IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func ownerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Owner-Key"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
