// Package dispatch drains ready jobs and hands them to the selected
// execution backend.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kmansel/jobdispatch/internal/backend"
	"github.com/kmansel/jobdispatch/internal/cache"
	"github.com/kmansel/jobdispatch/internal/routing"
	"github.com/kmansel/jobdispatch/internal/store"
	"github.com/kmansel/jobdispatch/pkg/models"
)

// Decider applies the retry-or-finalize decision after a failed attempt.
type Decider interface {
	Decide(ctx context.Context, jobID uuid.UUID, from string)
}

// Dispatcher pulls pending jobs in priority order and submits them to a
// backend's intake API. An intake failure, rejection or outage alike,
// consumes an attempt and goes through the shared retry decision, so a
// dead destination backs the job off and eventually finalizes it
// instead of re-submitting forever.
type Dispatcher struct {
	store    store.Store
	cache    cache.Cache
	policy   *routing.Policy
	backends backend.Registry
	decider  Decider
	batch    int
	interval time.Duration

	wake chan struct{}
}

// New creates a Dispatcher. interval is the idle poll period; batch is
// the maximum number of jobs drained per pass.
func New(s store.Store, c cache.Cache, policy *routing.Policy, backends backend.Registry, decider Decider, batch int, interval time.Duration) *Dispatcher {
	return &Dispatcher{
		store:    s,
		cache:    c,
		policy:   policy,
		backends: backends,
		decider:  decider,
		batch:    batch,
		interval: interval,
		wake:     make(chan struct{}, 1),
	}
}

// Notify wakes the dispatch loop after a submission so new jobs do not
// wait for the next poll tick. Non-blocking; a pending wakeup is enough.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drains ready jobs until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-ticker.C:
		}

		if err := d.DrainReady(ctx); err != nil {
			slog.Error("dispatch pass failed", "error", err)
		}
	}
}

// DrainReady dispatches every currently ready job, highest priority
// first, FIFO within a priority.
func (d *Dispatcher) DrainReady(ctx context.Context) error {
	jobs, err := d.store.ListReadyJobs(ctx, time.Now().UTC(), d.batch)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.dispatchOne(ctx, job)
	}
	return nil
}

// dispatchOne submits a single job. The destination is resolved from
// the routing policy exactly once, at the first dispatch attempt; a
// retry reuses the destination stored on the job so a flag flip never
// migrates an in-flight job.
func (d *Dispatcher) dispatchOne(ctx context.Context, job *models.Job) {
	destination := ""
	if job.Destination != nil {
		destination = *job.Destination
	} else {
		destination = d.policy.Route(ctx, job.Family)
	}

	client, err := d.backends.Lookup(destination)
	if err != nil {
		slog.Error("no intake client for destination", "job_id", job.ID, "destination", destination)
		return
	}

	err = client.Submit(ctx, backend.IntakeRequest{
		JobID:    job.ID,
		Family:   job.Family,
		Input:    job.Input,
		Priority: job.Priority,
	})
	if err != nil {
		d.recordIntakeFailure(ctx, job, destination, err)
		return
	}

	now := time.Now().UTC()
	ok, err := d.store.UpdateJobStatus(ctx, job.ID,
		models.JobStatusPending, models.JobStatusDispatched,
		store.WithDestination(destination),
		store.WithAttemptIncrement(),
		store.WithDispatchedAt(now),
	)
	if err != nil {
		slog.Error("record dispatch failed", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		// Lost the race: the job was cancelled or another dispatcher
		// got it first. The backend may run it; the status callback
		// will be dropped by the CAS if it no longer applies.
		slog.Warn("dispatch CAS lost", "job_id", job.ID)
		return
	}
	d.invalidate(ctx, job.ID)

	slog.Info("job dispatched",
		"job_id", job.ID,
		"tenant_id", job.TenantID,
		"name", job.Name,
		"family", job.Family,
		"destination", destination,
		"attempt", job.AttemptCount+1,
	)
}

// recordIntakeFailure burns an attempt for a submit the backend refused
// or never received. The attempt is written through the same
// pending -> dispatched -> failed chain a reported failure takes, then
// handed to the retry decision: the job re-enters the backoff schedule
// and ends terminal once attempt_count passes max_retries. A crash
// mid-chain leaves the job for the sweep's undecided pass.
func (d *Dispatcher) recordIntakeFailure(ctx context.Context, job *models.Job, destination string, submitErr error) {
	reason := "backend intake unavailable"
	if errors.Is(submitErr, backend.ErrRejected) {
		reason = submitErr.Error()
		slog.Warn("backend rejected job",
			"job_id", job.ID, "destination", destination, "error", submitErr)
	} else {
		slog.Warn("backend intake unavailable",
			"job_id", job.ID, "destination", destination, "error", submitErr)
	}

	now := time.Now().UTC()
	ok, err := d.store.UpdateJobStatus(ctx, job.ID,
		models.JobStatusPending, models.JobStatusDispatched,
		store.WithDestination(destination),
		store.WithAttemptIncrement(),
		store.WithDispatchedAt(now),
	)
	if err != nil {
		slog.Error("record intake attempt failed", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		// Cancelled between the drain query and this write.
		return
	}

	ok, err = d.store.UpdateJobStatus(ctx, job.ID,
		models.JobStatusDispatched, models.JobStatusFailed,
		store.WithFailureReason(reason),
	)
	if err != nil {
		slog.Error("record intake failure failed", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	d.invalidate(ctx, job.ID)

	d.decider.Decide(ctx, job.ID, models.JobStatusFailed)
}

func (d *Dispatcher) invalidate(ctx context.Context, id uuid.UUID) {
	if d.cache != nil {
		_ = d.cache.Delete(ctx, cache.JobStatusKey(id))
	}
}
