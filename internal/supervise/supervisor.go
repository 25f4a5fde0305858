// Package supervise owns the retry and timeout policy: a periodic sweep
// times out stuck jobs, and both timeouts and explicit failure reports
// funnel through the same retry-or-finalize decision.
package supervise

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kmansel/jobdispatch/internal/cache"
	"github.com/kmansel/jobdispatch/internal/sla"
	"github.com/kmansel/jobdispatch/internal/store"
	"github.com/kmansel/jobdispatch/pkg/models"
)

// Supervisor re-dispatches failed and timed-out jobs with exponential
// backoff until their retry budget is exhausted. It is crash-only: every
// decision is a compare-and-swap against persisted state, so a sweep
// interrupted mid-pass simply resumes on the next tick.
type Supervisor struct {
	store       store.Store
	cache       cache.Cache
	monitor     *sla.Monitor
	interval    time.Duration
	backoffBase time.Duration
	backoffCap  time.Duration
}

func New(s store.Store, c cache.Cache, monitor *sla.Monitor, interval, backoffBase, backoffCap time.Duration) *Supervisor {
	return &Supervisor{
		store:       s,
		cache:       c,
		monitor:     monitor,
		interval:    interval,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
	}
}

// Run sweeps until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				slog.Error("supervisor sweep failed", "error", err)
			}
		}
	}
}

// Sweep transitions every overdue in-flight job to timed_out and then
// applies the retry decision.
func (s *Supervisor) Sweep(ctx context.Context) error {
	now := time.Now().UTC()
	overdue, err := s.store.ListOverdueJobs(ctx, now)
	if err != nil {
		return err
	}

	for _, job := range overdue {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.timeOut(ctx, job)
	}

	// Recover jobs a crash left failed/timed_out with no retry decision.
	undecided, err := s.store.ListUndecidedJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range undecided {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.Decide(ctx, job.ID, job.Status)
	}
	return nil
}

// timeOut moves one overdue job to timed_out, then retries or finalizes.
func (s *Supervisor) timeOut(ctx context.Context, job *models.Job) {
	ok, err := s.store.UpdateJobStatus(ctx, job.ID, job.Status, models.JobStatusTimedOut)
	if err != nil {
		slog.Error("timeout CAS failed", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		// A status callback advanced the job between the sweep query
		// and this write; whoever won handles the rest.
		return
	}
	s.invalidate(ctx, job.ID)

	slog.Info("job timed out",
		"job_id", job.ID,
		"attempt", job.AttemptCount,
		"timeout_seconds", job.TimeoutSeconds,
	)
	s.Decide(ctx, job.ID, models.JobStatusTimedOut)
}

// HandleFailure applies the retry decision for a job that received an
// explicit failed report from its backend. Invoked by the status
// ingestor immediately, not on the next sweep.
func (s *Supervisor) HandleFailure(ctx context.Context, jobID uuid.UUID) {
	s.Decide(ctx, jobID, models.JobStatusFailed)
}

// Decide requeues the job with backoff if its attempt budget allows
// another try, or finalizes it in its current failure state. from must
// be failed or timed_out.
func (s *Supervisor) Decide(ctx context.Context, jobID uuid.UUID, from string) {
	job, err := s.store.GetJobByID(ctx, jobID)
	if err != nil {
		slog.Error("load job for retry decision failed", "job_id", jobID, "error", err)
		return
	}
	if job.Status != from {
		return
	}

	if job.RetriesExhausted() {
		s.finalize(ctx, job)
		return
	}

	eligible := time.Now().UTC().Add(s.Backoff(job.AttemptCount))
	ok, err := s.store.UpdateJobStatus(ctx, job.ID, from, models.JobStatusPending,
		store.WithNextEligibleAt(eligible))
	if err != nil {
		slog.Error("requeue CAS failed", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	s.invalidate(ctx, job.ID)

	slog.Info("job requeued for retry",
		"job_id", job.ID,
		"attempt", job.AttemptCount,
		"max_retries", job.MaxRetries,
		"next_eligible_at", eligible,
	)
}

// finalize records the terminal outcome and reports completion latency.
func (s *Supervisor) finalize(ctx context.Context, job *models.Job) {
	now := time.Now().UTC()

	// Status is already failed or timed_out; only completed_at is
	// missing. The state machine has no self-edge, so write it through
	// a conditional update on the same status.
	ok, err := s.store.MarkExhausted(ctx, job.ID, job.Status, now)
	if err != nil {
		slog.Error("finalize failed", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	s.invalidate(ctx, job.ID)

	slog.Warn("job retries exhausted",
		"job_id", job.ID,
		"tenant_id", job.TenantID,
		"name", job.Name,
		"final_status", job.Status,
		"attempts", job.AttemptCount,
	)

	if s.monitor != nil {
		s.monitor.Observe(job.Family, now.Sub(job.CreatedAt))
	}
}

// invalidate drops the cached status document after a transition so
// status polls do not wait out the TTL.
func (s *Supervisor) invalidate(ctx context.Context, id uuid.UUID) {
	if s.cache != nil {
		_ = s.cache.Delete(ctx, cache.JobStatusKey(id))
	}
}

// Backoff returns the delay before attempt n+1 becomes eligible:
// base * 2^n, capped.
func (s *Supervisor) Backoff(attempt int) time.Duration {
	d := s.backoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= s.backoffCap {
			return s.backoffCap
		}
	}
	if d > s.backoffCap {
		return s.backoffCap
	}
	return d
}
