package supervise

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kmansel/jobdispatch/internal/cache"
	"github.com/kmansel/jobdispatch/internal/sla"
	"github.com/kmansel/jobdispatch/internal/store/storetest"
	"github.com/kmansel/jobdispatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(s *storetest.Store) *Supervisor {
	return New(s, nil, sla.NewMonitor(sla.DefaultTargets()), time.Second, 5*time.Second, 5*time.Minute)
}

// recordingCache captures invalidations.
type recordingCache struct {
	mu      sync.Mutex
	deleted []string
}

func (c *recordingCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}

func (c *recordingCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, nil
}

func (c *recordingCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, key)
	return nil
}

func (c *recordingCache) Ping(ctx context.Context) error { return nil }

func (c *recordingCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	return 0, nil
}

func seedDispatched(s *storetest.Store, attempt, maxRetries, timeoutSeconds int, dispatchedAt time.Time) *models.Job {
	dest := models.DestinationLegacy
	job := &models.Job{
		ID:             uuid.New(),
		TenantID:       uuid.New(),
		Name:           "data_backfill",
		Family:         models.FamilyLongRunning,
		Status:         models.JobStatusDispatched,
		AttemptCount:   attempt,
		MaxRetries:     maxRetries,
		TimeoutSeconds: timeoutSeconds,
		Destination:    &dest,
		DispatchedAt:   &dispatchedAt,
		CreatedAt:      dispatchedAt.Add(-time.Second),
		UpdatedAt:      dispatchedAt,
	}
	s.SeedJob(job)
	return job
}

func TestSweep_TimesOutOverdueJob(t *testing.T) {
	s := storetest.New()
	sup := newTestSupervisor(s)

	// Dispatched 2 minutes ago with a 60s timeout, budget left.
	job := seedDispatched(s, 1, 3, 60, time.Now().UTC().Add(-2*time.Minute))

	require.NoError(t, sup.Sweep(context.Background()))

	got := s.Job(job.ID)
	assert.Equal(t, models.JobStatusPending, got.Status, "timed out then requeued")
	require.NotNil(t, got.NextEligibleAt)
	assert.True(t, got.NextEligibleAt.After(time.Now().UTC()), "requeue carries a backoff delay")
	assert.Nil(t, got.CompletedAt)
}

func TestSweep_LeavesInFlightJobAlone(t *testing.T) {
	s := storetest.New()
	sup := newTestSupervisor(s)

	job := seedDispatched(s, 1, 3, 3600, time.Now().UTC().Add(-time.Minute))

	require.NoError(t, sup.Sweep(context.Background()))
	assert.Equal(t, models.JobStatusDispatched, s.Job(job.ID).Status)
}

func TestSweep_TimesOutRunningJob(t *testing.T) {
	s := storetest.New()
	sup := newTestSupervisor(s)

	job := seedDispatched(s, 1, 3, 60, time.Now().UTC().Add(-2*time.Minute))
	stored := s.Job(job.ID)
	stored.Status = models.JobStatusRunning
	s.SeedJob(stored)

	require.NoError(t, sup.Sweep(context.Background()))
	assert.Equal(t, models.JobStatusPending, s.Job(job.ID).Status)
}

func TestSweep_ExhaustedJobIsFinalized(t *testing.T) {
	s := storetest.New()
	sup := newTestSupervisor(s)

	// max_retries=2 allows 3 attempts; this was the third.
	job := seedDispatched(s, 3, 2, 60, time.Now().UTC().Add(-2*time.Minute))

	require.NoError(t, sup.Sweep(context.Background()))

	got := s.Job(job.ID)
	assert.Equal(t, models.JobStatusTimedOut, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.NextEligibleAt)
}

func TestSweep_RecoversUndecidedFailure(t *testing.T) {
	s := storetest.New()
	sup := newTestSupervisor(s)

	// A crash left this job failed with no retry decision recorded.
	job := seedDispatched(s, 1, 3, 3600, time.Now().UTC())
	stored := s.Job(job.ID)
	stored.Status = models.JobStatusFailed
	s.SeedJob(stored)

	require.NoError(t, sup.Sweep(context.Background()))
	assert.Equal(t, models.JobStatusPending, s.Job(job.ID).Status)
}

func TestHandleFailure_RequeuesWithBudget(t *testing.T) {
	s := storetest.New()
	sup := newTestSupervisor(s)

	job := seedDispatched(s, 1, 3, 3600, time.Now().UTC())
	stored := s.Job(job.ID)
	stored.Status = models.JobStatusFailed
	s.SeedJob(stored)

	sup.HandleFailure(context.Background(), job.ID)

	got := s.Job(job.ID)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount, "requeue does not consume an attempt")
	assert.NotNil(t, got.NextEligibleAt)
}

func TestHandleFailure_ExactlyMaxRetriesPlusOneAttempts(t *testing.T) {
	s := storetest.New()
	sup := newTestSupervisor(s)
	ctx := context.Background()

	// max_retries=2: attempts 1 and 2 requeue, attempt 3 is terminal.
	job := seedDispatched(s, 0, 2, 3600, time.Now().UTC())

	attempts := 0
	for i := 0; i < 5; i++ {
		stored := s.Job(job.ID)
		if stored.Status != models.JobStatusDispatched && stored.Status != models.JobStatusPending {
			break
		}
		// Simulate a dispatch plus a failure report.
		if stored.Status == models.JobStatusPending {
			stored.Status = models.JobStatusDispatched
		}
		stored.AttemptCount++
		stored.Status = models.JobStatusFailed
		s.SeedJob(stored)
		attempts++
		sup.HandleFailure(ctx, job.ID)
	}

	assert.Equal(t, 3, attempts)
	got := s.Job(job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestSweep_InvalidatesStatusCache(t *testing.T) {
	s := storetest.New()
	rc := &recordingCache{}
	sup := New(s, rc, sla.NewMonitor(sla.DefaultTargets()), time.Second, 5*time.Second, 5*time.Minute)

	job := seedDispatched(s, 1, 3, 60, time.Now().UTC().Add(-2*time.Minute))
	require.NoError(t, sup.Sweep(context.Background()))

	assert.Equal(t, models.JobStatusPending, s.Job(job.ID).Status)
	assert.Contains(t, rc.deleted, cache.JobStatusKey(job.ID),
		"status polls must not serve the stale document for the cache TTL")
}

func TestFinalize_InvalidatesStatusCache(t *testing.T) {
	s := storetest.New()
	rc := &recordingCache{}
	sup := New(s, rc, nil, time.Second, 5*time.Second, 5*time.Minute)

	// Budget spent: the sweep finalizes instead of requeueing.
	job := seedDispatched(s, 3, 2, 60, time.Now().UTC().Add(-2*time.Minute))
	require.NoError(t, sup.Sweep(context.Background()))

	require.NotNil(t, s.Job(job.ID).CompletedAt)
	assert.Contains(t, rc.deleted, cache.JobStatusKey(job.ID))
}

func TestDecide_SkipsWhenStatusMoved(t *testing.T) {
	s := storetest.New()
	sup := newTestSupervisor(s)

	// Succeeded in the meantime: the failure report is stale.
	job := seedDispatched(s, 1, 3, 3600, time.Now().UTC())
	stored := s.Job(job.ID)
	stored.Status = models.JobStatusSucceeded
	s.SeedJob(stored)

	sup.HandleFailure(context.Background(), job.ID)
	assert.Equal(t, models.JobStatusSucceeded, s.Job(job.ID).Status)
}

func TestBackoff(t *testing.T) {
	sup := New(storetest.New(), nil, nil, time.Second, 5*time.Second, 5*time.Minute)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{6, 5 * time.Minute},  // 320s capped
		{20, 5 * time.Minute}, // stays capped, no overflow
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, sup.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}
