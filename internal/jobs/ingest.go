package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kmansel/jobdispatch/internal/cache"
	"github.com/kmansel/jobdispatch/internal/sla"
	"github.com/kmansel/jobdispatch/internal/store"
	"github.com/kmansel/jobdispatch/internal/supervise"
	"github.com/kmansel/jobdispatch/pkg/models"
)

// StatusReport is one asynchronous status callback from an execution
// backend.
type StatusReport struct {
	JobID  uuid.UUID
	Status string // running, succeeded, or failed
	Detail string
}

// Ingestor consumes backend status reports from an in-process queue and
// applies them through the store's compare-and-swap primitive. Reports
// lost to a crash are recovered by the supervisor's timeout sweep; the
// queue is a buffer, not a durability mechanism.
type Ingestor struct {
	store      store.Store
	cache      cache.Cache
	supervisor *supervise.Supervisor
	monitor    *sla.Monitor
	reports    chan StatusReport
}

func NewIngestor(s store.Store, c cache.Cache, sup *supervise.Supervisor, m *sla.Monitor, buffer int) *Ingestor {
	if buffer <= 0 {
		buffer = 256
	}
	return &Ingestor{
		store:      s,
		cache:      c,
		supervisor: sup,
		monitor:    m,
		reports:    make(chan StatusReport, buffer),
	}
}

// Enqueue hands a report to the ingestion loop. Returns false when the
// queue is full; the caller answers 503 and the backend retries its
// callback (or the timeout sweep recovers the job).
func (i *Ingestor) Enqueue(r StatusReport) bool {
	select {
	case i.reports <- r:
		return true
	default:
		return false
	}
}

// Run consumes reports until the context is cancelled.
func (i *Ingestor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-i.reports:
			if err := i.Apply(ctx, r); err != nil {
				slog.Error("apply status report failed", "job_id", r.JobID, "status", r.Status, "error", err)
			}
		}
	}
}

// Apply performs one report's transition. A stale report (the job
// already moved on, e.g. a late callback after the sweep timed the
// attempt out) loses the compare-and-swap and is dropped silently; the
// store's recorded history wins.
func (i *Ingestor) Apply(ctx context.Context, r StatusReport) error {
	switch r.Status {
	case models.JobStatusRunning:
		ok, err := i.store.UpdateJobStatus(ctx, r.JobID,
			models.JobStatusDispatched, models.JobStatusRunning)
		if err != nil {
			return err
		}
		if ok {
			i.invalidate(ctx, r.JobID)
		}
		return nil

	case models.JobStatusSucceeded:
		now := time.Now().UTC()
		// Some backends skip the running report for fast jobs.
		ok, err := i.store.UpdateJobStatus(ctx, r.JobID,
			models.JobStatusRunning, models.JobStatusSucceeded,
			store.WithCompletedAt(now))
		if err != nil {
			return err
		}
		if !ok {
			ok, err = i.store.UpdateJobStatus(ctx, r.JobID,
				models.JobStatusDispatched, models.JobStatusSucceeded,
				store.WithCompletedAt(now))
			if err != nil {
				return err
			}
		}
		if !ok {
			return nil
		}

		i.invalidate(ctx, r.JobID)
		i.observeCompletion(ctx, r.JobID, now)
		slog.Info("job succeeded", "job_id", r.JobID)
		return nil

	case models.JobStatusFailed:
		reason := r.Detail
		if reason == "" {
			reason = "backend reported failure"
		}
		ok, err := i.store.UpdateJobStatus(ctx, r.JobID,
			models.JobStatusRunning, models.JobStatusFailed,
			store.WithFailureReason(reason))
		if err != nil {
			return err
		}
		if !ok {
			ok, err = i.store.UpdateJobStatus(ctx, r.JobID,
				models.JobStatusDispatched, models.JobStatusFailed,
				store.WithFailureReason(reason))
			if err != nil {
				return err
			}
		}
		if !ok {
			return nil
		}

		i.invalidate(ctx, r.JobID)
		slog.Info("job failed, deciding retry", "job_id", r.JobID, "reason", reason)
		i.supervisor.HandleFailure(ctx, r.JobID)
		return nil

	default:
		return fmt.Errorf("unknown reported status %q", r.Status)
	}
}

func (i *Ingestor) observeCompletion(ctx context.Context, jobID uuid.UUID, completedAt time.Time) {
	if i.monitor == nil {
		return
	}
	job, err := i.store.GetJobByID(ctx, jobID)
	if err != nil {
		slog.Error("load job for SLA observation failed", "job_id", jobID, "error", err)
		return
	}
	i.monitor.Observe(job.Family, completedAt.Sub(job.CreatedAt))
}

func (i *Ingestor) invalidate(ctx context.Context, id uuid.UUID) {
	if i.cache != nil {
		_ = i.cache.Delete(ctx, cache.JobStatusKey(id))
	}
}
