// Package storetest provides an in-memory store.Store for unit tests of
// components that would otherwise need a database container.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kmansel/jobdispatch/internal/store"
	"github.com/kmansel/jobdispatch/pkg/models"
)

// Store is a mutex-guarded in-memory implementation of store.Store. It
// mirrors the Postgres store's semantics: the idempotency unique
// constraint, the compare-and-swap status update, and the readiness and
// overdue queries.
type Store struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]*models.Tenant
	keys    map[uuid.UUID]*models.APIKey
	jobs    map[uuid.UUID]*models.Job

	defaultTenant uuid.UUID
}

func New() *Store {
	s := &Store{
		tenants: make(map[uuid.UUID]*models.Tenant),
		keys:    make(map[uuid.UUID]*models.APIKey),
		jobs:    make(map[uuid.UUID]*models.Job),
	}
	now := time.Now().UTC()
	def := &models.Tenant{ID: uuid.New(), Name: "default", CreatedAt: now, UpdatedAt: now}
	s.tenants[def.ID] = def
	s.defaultTenant = def.ID
	return s
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) GetDefaultTenant(ctx context.Context) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenants[s.defaultTenant]
	cp := *t
	return &cp, nil
}

func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// AddTenant registers an extra tenant for cross-tenant tests.
func (s *Store) AddTenant(name string) *models.Tenant {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	t := &models.Tenant{ID: uuid.New(), Name: name, CreatedAt: now, UpdatedAt: now}
	s.tenants[t.ID] = t
	return t
}

// --- API Keys ---

func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *Store) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *Store) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.TenantID == tenantID && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.TenantID != tenantID || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	return nil
}

func (s *Store) CountAPIKeys(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range s.keys {
		if k.DeletedAt == nil {
			n++
		}
	}
	return n, nil
}

// --- Jobs ---

func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.IdempotencyKey != nil {
		for _, j := range s.jobs {
			if j.TenantID == job.TenantID && j.IdempotencyKey != nil &&
				*j.IdempotencyKey == *job.IdempotencyKey {
				return store.ErrDuplicateIdempotencyKey
			}
		}
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *Store) GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *Store) GetJobByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, key string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.TenantID == tenantID && j.IdempotencyKey != nil && *j.IdempotencyKey == key {
			cp := *j
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*models.Job
	for _, j := range s.jobs {
		if j.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Family != "" && j.Family != filter.Family {
			continue
		}
		if filter.Name != "" && j.Name != filter.Name {
			continue
		}
		cp := *j
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *Store) ListReadyJobs(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ready []*models.Job
	for _, j := range s.jobs {
		if j.Status != models.JobStatusPending {
			continue
		}
		if j.NextEligibleAt != nil && j.NextEligibleAt.After(now) {
			continue
		}
		cp := *j
		ready = append(ready, &cp)
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (s *Store) ListOverdueJobs(ctx context.Context, now time.Time) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var overdue []*models.Job
	for _, j := range s.jobs {
		if j.Status != models.JobStatusDispatched && j.Status != models.JobStatusRunning {
			continue
		}
		if j.DispatchedAt == nil {
			continue
		}
		if j.DispatchedAt.Add(j.Timeout()).After(now) {
			continue
		}
		cp := *j
		overdue = append(overdue, &cp)
	}
	sort.Slice(overdue, func(i, j int) bool { return overdue[i].DispatchedAt.Before(*overdue[j].DispatchedAt) })
	return overdue, nil
}

func (s *Store) ListUndecidedJobs(ctx context.Context) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if (j.Status == models.JobStatusFailed || j.Status == models.JobStatusTimedOut) && j.CompletedAt == nil {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, id uuid.UUID, from, to string, opts ...store.JobUpdateOption) (bool, error) {
	if !store.TransitionAllowed(from, to) {
		return false, store.ErrInvalidTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != from {
		return false, nil
	}

	j.Status = to
	j.UpdatedAt = time.Now().UTC()
	store.ApplyUpdateOptions(j, opts...)
	return true, nil
}

func (s *Store) MarkExhausted(ctx context.Context, id uuid.UUID, status string, completedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != status || j.CompletedAt != nil {
		return false, nil
	}
	t := completedAt
	j.CompletedAt = &t
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

// Job returns a copy of a stored job for assertions.
func (s *Store) Job(id uuid.UUID) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

// SeedJob inserts a job directly, bypassing idempotency checks.
func (s *Store) SeedJob(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
}

var _ store.Store = (*Store)(nil)
