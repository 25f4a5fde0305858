package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job families. A family determines a job's default retry policy,
// timeout, and SLA target.
const (
	FamilyInteractive = "interactive"
	FamilyScheduled   = "scheduled"
	FamilyLongRunning = "long_running"
)

// Job statuses. pending is the initial state; succeeded and cancelled
// are always terminal; failed and timed_out become terminal once
// retries are exhausted (completed_at is set at that point).
const (
	JobStatusPending    = "pending"
	JobStatusDispatched = "dispatched"
	JobStatusRunning    = "running"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"
	JobStatusTimedOut   = "timed_out"
	JobStatusCancelled  = "cancelled"
)

// Execution backend destinations. Recorded on the job at first dispatch
// and never changed afterwards; retries reuse the stored destination.
const (
	DestinationLegacy = "legacy"
	DestinationNew    = "new"
)

// ValidFamily reports whether f is a known job family.
func ValidFamily(f string) bool {
	return f == FamilyInteractive || f == FamilyScheduled || f == FamilyLongRunning
}

// Job is the durable record of a submitted unit of background work.
// The input payload is opaque to this service; it is stored and handed
// to the selected execution backend verbatim.
type Job struct {
	ID             uuid.UUID       `db:"id"               json:"id"`
	TenantID       uuid.UUID       `db:"tenant_id"        json:"tenant_id"`
	Name           string          `db:"name"             json:"name"`
	Family         string          `db:"family"           json:"family"`
	Status         string          `db:"status"           json:"status"`
	Input          json.RawMessage `db:"input"            json:"input,omitempty"`
	IdempotencyKey *string         `db:"idempotency_key"  json:"idempotency_key,omitempty"`
	Priority       int             `db:"priority"         json:"priority"`
	MaxRetries     int             `db:"max_retries"      json:"max_retries"`
	TimeoutSeconds int             `db:"timeout_seconds"  json:"timeout_seconds"`
	AttemptCount   int             `db:"attempt_count"    json:"attempt_count"`
	Destination    *string         `db:"destination"      json:"destination,omitempty"`
	FailureReason  *string         `db:"failure_reason"   json:"failure_reason,omitempty"`
	NextEligibleAt *time.Time      `db:"next_eligible_at" json:"next_eligible_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at"       json:"created_at"`
	DispatchedAt   *time.Time      `db:"dispatched_at"    json:"dispatched_at,omitempty"`
	CompletedAt    *time.Time      `db:"completed_at"     json:"completed_at,omitempty"`
	UpdatedAt      time.Time       `db:"updated_at"       json:"updated_at"`
}

// RetriesExhausted reports whether the job has used its full attempt
// budget (max_retries + 1 attempts).
func (j *Job) RetriesExhausted() bool {
	return j.AttemptCount > j.MaxRetries
}

// Timeout returns the per-job execution timeout as a duration.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}
