// Package jobs implements the submission service: validation,
// idempotency resolution, classification, and creation of job records,
// plus the ingestion of backend status reports.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kmansel/jobdispatch/internal/cache"
	"github.com/kmansel/jobdispatch/internal/classify"
	"github.com/kmansel/jobdispatch/internal/store"
	"github.com/kmansel/jobdispatch/pkg/models"
)

// Validation sentinels, mapped to error codes at the HTTP layer.
var (
	ErrInvalidTenant  = errors.New("invalid tenant")
	ErrMalformedInput = errors.New("malformed input")

	// ErrNotCancellable is returned when a cancel request arrives for a
	// job that already left pending.
	ErrNotCancellable = errors.New("job is not cancellable")
)

// statusCacheTTL bounds staleness of the cached job document served to
// status polls. Transitions invalidate eagerly; the TTL is the backstop.
const statusCacheTTL = 5 * time.Second

// Notifier wakes the dispatch loop after a submission.
type Notifier interface {
	Notify()
}

// SubmitParams carries one validated submission.
type SubmitParams struct {
	TenantID       uuid.UUID
	Name           string
	Family         string
	Input          json.RawMessage
	Priority       int
	MaxRetries     *int
	TimeoutSeconds *int
	IdempotencyKey string
}

// Service composes the idempotency ledger, classifier, and job store
// behind the submission API. It blocks only on the ledger lookup and
// the initial create; dispatch happens on the dispatcher's loop.
type Service struct {
	store    store.Store
	cache    cache.Cache
	notifier Notifier
}

func NewService(s store.Store, c cache.Cache, n Notifier) *Service {
	return &Service{store: s, cache: c, notifier: n}
}

// Submit accepts a job. When the tenant has already submitted the same
// idempotency key the original job is returned and created is false; no
// new record is written and nothing is re-dispatched.
func (s *Service) Submit(ctx context.Context, p SubmitParams) (*models.Job, bool, error) {
	if err := s.validate(p); err != nil {
		return nil, false, err
	}

	if p.IdempotencyKey != "" {
		existing, err := s.store.GetJobByIdempotencyKey(ctx, p.TenantID, p.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	family := classify.Classify(p.Name, p.Family)
	defaults := classify.Defaults(family)

	maxRetries := defaults.MaxRetries
	if p.MaxRetries != nil {
		maxRetries = *p.MaxRetries
	}
	timeoutSeconds := defaults.TimeoutSeconds
	if p.TimeoutSeconds != nil {
		timeoutSeconds = *p.TimeoutSeconds
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:             uuid.New(),
		TenantID:       p.TenantID,
		Name:           p.Name,
		Family:         family,
		Status:         models.JobStatusPending,
		Input:          p.Input,
		Priority:       p.Priority,
		MaxRetries:     maxRetries,
		TimeoutSeconds: timeoutSeconds,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if p.IdempotencyKey != "" {
		key := p.IdempotencyKey
		job.IdempotencyKey = &key
	}

	err := s.store.CreateJob(ctx, job)
	if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		// Concurrent submission with the same key won the insert race;
		// return the winner. Not an error for the caller.
		winner, rerr := s.store.GetJobByIdempotencyKey(ctx, p.TenantID, p.IdempotencyKey)
		if rerr != nil {
			return nil, false, fmt.Errorf("re-read after idempotency conflict: %w", rerr)
		}
		return winner, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create job: %w", err)
	}

	slog.Info("job accepted",
		"job_id", job.ID,
		"tenant_id", job.TenantID,
		"name", job.Name,
		"family", job.Family,
		"priority", job.Priority,
	)

	if s.notifier != nil {
		s.notifier.Notify()
	}
	return job, true, nil
}

func (s *Service) validate(p SubmitParams) error {
	if p.TenantID == uuid.Nil {
		return ErrInvalidTenant
	}
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrMalformedInput)
	}
	if p.Family != "" && !models.ValidFamily(p.Family) {
		return fmt.Errorf("%w: unknown family %q", ErrMalformedInput, p.Family)
	}
	if len(p.Input) > 0 && !json.Valid(p.Input) {
		return fmt.Errorf("%w: input is not valid JSON", ErrMalformedInput)
	}
	if p.MaxRetries != nil && *p.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", ErrMalformedInput)
	}
	if p.TimeoutSeconds != nil && *p.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: timeout_seconds must be > 0", ErrMalformedInput)
	}
	return nil
}

// Get returns a tenant's job, serving recent polls from the status
// cache. The store stays the source of truth; the cache is invalidated
// on every transition and expires on its own as a backstop.
func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID) (*models.Job, error) {
	if s.cache != nil {
		if raw, hit, err := s.cache.Get(ctx, cache.JobStatusKey(id)); err == nil && hit {
			var job models.Job
			if err := json.Unmarshal(raw, &job); err == nil {
				if job.TenantID != tenantID {
					return nil, store.ErrNotFound
				}
				return &job, nil
			}
		}
	}

	job, err := s.store.GetJob(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if raw, err := json.Marshal(job); err == nil {
			// Best effort; a cache miss just costs a store read.
			_ = s.cache.Set(ctx, cache.JobStatusKey(id), raw, statusCacheTTL)
		}
	}
	return job, nil
}

// List returns a tenant's jobs, filtered and paginated.
func (s *Service) List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	return s.store.ListJobs(ctx, filter)
}

// Cancel moves a pending job to cancelled. Jobs already handed to a
// backend cannot be cancelled here; that has to be requested of the
// backend directly.
func (s *Service) Cancel(ctx context.Context, tenantID, id uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}

	ok, err := s.store.UpdateJobStatus(ctx, id,
		models.JobStatusPending, models.JobStatusCancelled,
		store.WithCompletedAt(time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: status is %s", ErrNotCancellable, job.Status)
	}

	s.invalidate(ctx, id)

	slog.Info("job cancelled", "job_id", id, "tenant_id", tenantID)
	return s.store.GetJob(ctx, id, tenantID)
}

func (s *Service) invalidate(ctx context.Context, id uuid.UUID) {
	if s.cache != nil {
		_ = s.cache.Delete(ctx, cache.JobStatusKey(id))
	}
}
