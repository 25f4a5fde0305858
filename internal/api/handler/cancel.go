package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kmansel/jobdispatch/internal/api/middleware"
	"github.com/kmansel/jobdispatch/internal/api/response"
	"github.com/kmansel/jobdispatch/internal/jobs"
	"github.com/kmansel/jobdispatch/internal/store"
	"github.com/kmansel/jobdispatch/pkg/models"
)

// Canceller defines the interface the cancel handler depends on.
type Canceller interface {
	Cancel(ctx context.Context, tenantID, id uuid.UUID) (*models.Job, error)
}

// NewCancelHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/cancel. Only pending jobs can be cancelled
// here; anything already handed to a backend has to be cancelled with
// that backend.
func NewCancelHandler(svc Canceller) http.HandlerFunc {
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

		job, err := svc.Cancel(r.Context(), tenantID, jobID)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			case errors.Is(err, jobs.ErrNotCancellable):
				response.Error(w, http.StatusConflict, "CONFLICT", err.Error(), nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to cancel job", nil)
			}
			return
		}

		response.JSON(w, job)
	}
}
