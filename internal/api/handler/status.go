package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kmansel/jobdispatch/internal/api/middleware"
	"github.com/kmansel/jobdispatch/internal/api/response"
	"github.com/kmansel/jobdispatch/internal/store"
	"github.com/kmansel/jobdispatch/pkg/models"
)

// Getter defines the interface the status handler depends on.
type Getter interface {
	Get(ctx context.Context, tenantID, id uuid.UUID) (*models.Job, error)
}

// Lister defines the interface the list handler depends on.
type Lister interface {
	List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
}

// NewStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
// Unknown IDs and other tenants' jobs are indistinguishable: both 404.
func NewStatusHandler(svc Getter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "MALFORMED_INPUT", "Invalid job ID", nil)
			return
		}

		job, err := svc.Get(r.Context(), tenantID, jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
			return
		}

		response.JSON(w, job)
	}
}

// NewListHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListHandler(svc Lister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		q := r.URL.Query()

		status := q.Get("status")
		family := q.Get("family")
		if family != "" && !models.ValidFamily(family) {
			response.Error(w, http.StatusBadRequest, "MALFORMED_INPUT", "Unknown family", nil)
			return
		}

		page, _ := strconv.Atoi(q.Get("page"))
		limit, _ := strconv.Atoi(q.Get("limit"))
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}
		if page <= 0 {
			page = 1
		}

		jobs, total, err := svc.List(r.Context(), store.JobFilter{
			TenantID: tenantID,
			Status:   status,
			Family:   family,
			Name:     q.Get("name"),
			Page:     page,
			Limit:    limit,
		})
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list jobs", nil)
			return
		}
		if jobs == nil {
			jobs = []*models.Job{}
		}

		response.Collection(w, jobs, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: page*limit < total,
		})
	}
}
