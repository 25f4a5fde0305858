package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kmansel/jobdispatch/pkg/models"
)

var ErrNotFound = errors.New("resource not found")

// ErrDuplicateIdempotencyKey is returned by CreateJob when another job
// already holds the same (tenant_id, idempotency_key). Callers resolve
// it by re-reading the winner via GetJobByIdempotencyKey.
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

// ErrInvalidTransition is returned by UpdateJobStatus when the requested
// from -> to pair is not part of the job state machine.
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error
	CountAPIKeys(ctx context.Context) (int, error)

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error)
	GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetJobByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, key string) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	ListReadyJobs(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)
	ListOverdueJobs(ctx context.Context, now time.Time) ([]*models.Job, error)
	ListUndecidedJobs(ctx context.Context) ([]*models.Job, error)

	// UpdateJobStatus is the compare-and-swap primitive every status
	// transition goes through. The update applies only if the stored
	// status still equals from; it returns false (and no error) when a
	// concurrent writer got there first. There is no unconditional
	// overwrite path.
	UpdateJobStatus(ctx context.Context, id uuid.UUID, from, to string, opts ...JobUpdateOption) (bool, error)

	// MarkExhausted stamps completed_at on a job whose retries are
	// spent, leaving its failed/timed_out status in place. Guarded by
	// the expected status so a racing retry or callback invalidates
	// the write.
	MarkExhausted(ctx context.Context, id uuid.UUID, status string, completedAt time.Time) (bool, error)
}

// JobFilter narrows and paginates ListJobs. TenantID is required.
type JobFilter struct {
	TenantID uuid.UUID
	Status   string
	Family   string
	Name     string
	Page     int
	Limit    int
}

// validTransitions is the authoritative job state machine. succeeded and
// cancelled have no outgoing edges; failed and timed_out may only loop
// back to pending (a retry), which the supervisor gates on attempt_count.
var validTransitions = map[string][]string{
	models.JobStatusPending:    {models.JobStatusDispatched, models.JobStatusCancelled},
	models.JobStatusDispatched: {models.JobStatusRunning, models.JobStatusSucceeded, models.JobStatusFailed, models.JobStatusTimedOut},
	models.JobStatusRunning:    {models.JobStatusSucceeded, models.JobStatusFailed, models.JobStatusTimedOut},
	models.JobStatusFailed:     {models.JobStatusPending},
	models.JobStatusTimedOut:   {models.JobStatusPending},
}

// TransitionAllowed reports whether from -> to is a legal edge.
func TransitionAllowed(from, to string) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

type jobUpdateParams struct {
	Destination      *string
	IncrementAttempt bool
	DispatchedAt     *time.Time
	CompletedAt      *time.Time
	FailureReason    *string
	NextEligibleAt   *time.Time
}

type JobUpdateOption func(*jobUpdateParams)

// WithDestination records the backend selected at first dispatch.
func WithDestination(dest string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Destination = &dest
	}
}

// WithAttemptIncrement bumps attempt_count as part of the same write.
func WithAttemptIncrement() JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.IncrementAttempt = true
	}
}

func WithDispatchedAt(t time.Time) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.DispatchedAt = &t
	}
}

func WithCompletedAt(t time.Time) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.CompletedAt = &t
	}
}

func WithFailureReason(reason string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.FailureReason = &reason
	}
}

// WithNextEligibleAt sets the earliest time a requeued job may be
// picked up again; the dispatcher's readiness query honors it.
func WithNextEligibleAt(t time.Time) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.NextEligibleAt = &t
	}
}

// ApplyUpdateOptions applies update options to a job in place. It exists
// so alternative Store implementations share option semantics with the
// Postgres store.
func ApplyUpdateOptions(j *models.Job, opts ...JobUpdateOption) {
	p := &jobUpdateParams{}
	for _, opt := range opts {
		opt(p)
	}
	if p.Destination != nil {
		dest := *p.Destination
		j.Destination = &dest
	}
	if p.IncrementAttempt {
		j.AttemptCount++
	}
	if p.DispatchedAt != nil {
		t := *p.DispatchedAt
		j.DispatchedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		j.CompletedAt = &t
	}
	if p.FailureReason != nil {
		r := *p.FailureReason
		j.FailureReason = &r
	}
	if p.NextEligibleAt != nil {
		t := *p.NextEligibleAt
		j.NextEligibleAt = &t
	}
}
