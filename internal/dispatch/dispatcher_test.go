package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kmansel/jobdispatch/internal/backend"
	"github.com/kmansel/jobdispatch/internal/flags"
	"github.com/kmansel/jobdispatch/internal/routing"
	"github.com/kmansel/jobdispatch/internal/store/storetest"
	"github.com/kmansel/jobdispatch/internal/supervise"
	"github.com/kmansel/jobdispatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend records intake submissions and can be told to fail.
type fakeBackend struct {
	mu        sync.Mutex
	name      string
	submitted []backend.IntakeRequest
	err       error
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Submit(ctx context.Context, req backend.IntakeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, req)
	return nil
}

func (f *fakeBackend) Ready(ctx context.Context) error { return nil }

func (f *fakeBackend) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeBackend) jobIDs() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]uuid.UUID, len(f.submitted))
	for i, req := range f.submitted {
		ids[i] = req.JobID
	}
	return ids
}

func seedPending(s *storetest.Store, tenantID uuid.UUID, priority int, createdAt time.Time) *models.Job {
	job := &models.Job{
		ID:             uuid.New(),
		TenantID:       tenantID,
		Name:           "report_export",
		Family:         models.FamilyLongRunning,
		Status:         models.JobStatusPending,
		Priority:       priority,
		MaxRetries:     2,
		TimeoutSeconds: 60,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
	s.SeedJob(job)
	return job
}

func newTestDispatcher(s *storetest.Store, fc flags.Client, legacy, newBackend backend.Client) *Dispatcher {
	policy := routing.NewPolicy(fc, "new-backend-enabled")
	registry := backend.Registry{
		models.DestinationLegacy: legacy,
		models.DestinationNew:    newBackend,
	}
	decider := supervise.New(s, nil, nil, time.Second, 5*time.Second, 5*time.Minute)
	return New(s, nil, policy, registry, decider, 50, time.Second)
}

// makeEligible clears a requeued job's backoff so the next drain pass
// picks it up.
func makeEligible(s *storetest.Store, id uuid.UUID) {
	stored := s.Job(id)
	stored.NextEligibleAt = nil
	s.SeedJob(stored)
}

func TestDrainReady_PriorityOrder(t *testing.T) {
	s := storetest.New()
	tenant, _ := s.GetDefaultTenant(context.Background())

	base := time.Now().UTC().Add(-time.Minute)
	low1 := seedPending(s, tenant.ID, 1, base)
	mid := seedPending(s, tenant.ID, 5, base.Add(time.Second))
	low2 := seedPending(s, tenant.ID, 1, base.Add(2*time.Second))
	high := seedPending(s, tenant.ID, 10, base.Add(3*time.Second))

	legacy := &fakeBackend{name: "legacy"}
	d := newTestDispatcher(s, flags.Static{}, legacy, &fakeBackend{name: "new"})

	require.NoError(t, d.DrainReady(context.Background()))

	want := []uuid.UUID{high.ID, mid.ID, low1.ID, low2.ID}
	assert.Equal(t, want, legacy.jobIDs())
}

func TestDrainReady_RecordsDispatch(t *testing.T) {
	s := storetest.New()
	tenant, _ := s.GetDefaultTenant(context.Background())
	job := seedPending(s, tenant.ID, 0, time.Now().UTC())

	legacy := &fakeBackend{name: "legacy"}
	d := newTestDispatcher(s, flags.Static{}, legacy, &fakeBackend{name: "new"})
	require.NoError(t, d.DrainReady(context.Background()))

	got := s.Job(job.ID)
	assert.Equal(t, models.JobStatusDispatched, got.Status)
	require.NotNil(t, got.Destination)
	assert.Equal(t, models.DestinationLegacy, *got.Destination)
	assert.Equal(t, 1, got.AttemptCount)
	assert.NotNil(t, got.DispatchedAt)
}

func TestDrainReady_RoutesByFlag(t *testing.T) {
	s := storetest.New()
	tenant, _ := s.GetDefaultTenant(context.Background())
	job := seedPending(s, tenant.ID, 0, time.Now().UTC())

	legacy := &fakeBackend{name: "legacy"}
	newBackend := &fakeBackend{name: "new"}
	d := newTestDispatcher(s, flags.Static{"new-backend-enabled": true}, legacy, newBackend)
	require.NoError(t, d.DrainReady(context.Background()))

	assert.Empty(t, legacy.jobIDs())
	assert.Equal(t, []uuid.UUID{job.ID}, newBackend.jobIDs())
	assert.Equal(t, models.DestinationNew, *s.Job(job.ID).Destination)
}

func TestDrainReady_OutageBacksOffAndRetries(t *testing.T) {
	s := storetest.New()
	tenant, _ := s.GetDefaultTenant(context.Background())
	job := seedPending(s, tenant.ID, 0, time.Now().UTC())

	legacy := &fakeBackend{name: "legacy"}
	legacy.setErr(backend.ErrUnavailable)
	d := newTestDispatcher(s, flags.Static{}, legacy, &fakeBackend{name: "new"})
	require.NoError(t, d.DrainReady(context.Background()))

	got := s.Job(job.ID)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount, "an undelivered submit consumes an attempt")
	require.NotNil(t, got.NextEligibleAt)
	assert.True(t, got.NextEligibleAt.After(time.Now().UTC()), "next try waits out the backoff")

	// Still backing off: the next pass must not re-submit.
	require.NoError(t, d.DrainReady(context.Background()))
	assert.Equal(t, 1, s.Job(job.ID).AttemptCount)

	// Backend recovers and the backoff elapses; the job dispatches.
	legacy.setErr(nil)
	makeEligible(s, job.ID)
	require.NoError(t, d.DrainReady(context.Background()))
	assert.Equal(t, models.JobStatusDispatched, s.Job(job.ID).Status)
	assert.Equal(t, 2, s.Job(job.ID).AttemptCount)
}

func TestDrainReady_RejectionExhaustsRetryBudget(t *testing.T) {
	s := storetest.New()
	tenant, _ := s.GetDefaultTenant(context.Background())
	// seedPending sets max_retries=2: three attempts, then terminal.
	job := seedPending(s, tenant.ID, 0, time.Now().UTC())

	legacy := &fakeBackend{name: "legacy"}
	legacy.setErr(errors.Join(backend.ErrRejected, errors.New("schema mismatch")))
	d := newTestDispatcher(s, flags.Static{}, legacy, &fakeBackend{name: "new"})

	// Many passes with the backoff fast-forwarded each time: the
	// attempt budget, not the pass count, bounds the submissions.
	for i := 0; i < 100; i++ {
		require.NoError(t, d.DrainReady(context.Background()))
		makeEligible(s, job.ID)
	}

	got := s.Job(job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, 3, got.AttemptCount, "max_retries=2 allows exactly 3 attempts")
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.FailureReason)
	assert.Contains(t, *got.FailureReason, "schema mismatch")
}

func TestDrainReady_RetryKeepsOriginalDestination(t *testing.T) {
	s := storetest.New()
	tenant, _ := s.GetDefaultTenant(context.Background())

	// A retried job carries the destination from its first dispatch.
	dest := models.DestinationLegacy
	job := seedPending(s, tenant.ID, 0, time.Now().UTC())
	stored := s.Job(job.ID)
	stored.Destination = &dest
	stored.AttemptCount = 1
	s.SeedJob(stored)

	legacy := &fakeBackend{name: "legacy"}
	newBackend := &fakeBackend{name: "new"}
	// Flag flipped since the first attempt: must not migrate the job.
	d := newTestDispatcher(s, flags.Static{"new-backend-enabled": true}, legacy, newBackend)
	require.NoError(t, d.DrainReady(context.Background()))

	assert.Equal(t, []uuid.UUID{job.ID}, legacy.jobIDs())
	assert.Empty(t, newBackend.jobIDs())

	got := s.Job(job.ID)
	assert.Equal(t, models.DestinationLegacy, *got.Destination)
	assert.Equal(t, 2, got.AttemptCount)
}

func TestDrainReady_SkipsJobsInBackoff(t *testing.T) {
	s := storetest.New()
	tenant, _ := s.GetDefaultTenant(context.Background())

	job := seedPending(s, tenant.ID, 0, time.Now().UTC())
	stored := s.Job(job.ID)
	future := time.Now().UTC().Add(time.Hour)
	stored.NextEligibleAt = &future
	s.SeedJob(stored)

	legacy := &fakeBackend{name: "legacy"}
	d := newTestDispatcher(s, flags.Static{}, legacy, &fakeBackend{name: "new"})
	require.NoError(t, d.DrainReady(context.Background()))

	assert.Empty(t, legacy.jobIDs())
	assert.Equal(t, models.JobStatusPending, s.Job(job.ID).Status)
}

func TestRun_NotifyWakesLoop(t *testing.T) {
	s := storetest.New()
	tenant, _ := s.GetDefaultTenant(context.Background())
	job := seedPending(s, tenant.ID, 0, time.Now().UTC())

	legacy := &fakeBackend{name: "legacy"}
	// Long poll interval so only Notify can trigger the pass.
	d := newTestDispatcher(s, flags.Static{}, legacy, &fakeBackend{name: "new"})
	d.interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	d.Notify()
	require.Eventually(t, func() bool {
		return s.Job(job.ID).Status == models.JobStatusDispatched
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
