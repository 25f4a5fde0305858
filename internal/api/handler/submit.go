package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	mw "github.com/kmansel/jobdispatch/internal/api/middleware"
	"github.com/kmansel/jobdispatch/internal/api/response"
	"github.com/kmansel/jobdispatch/internal/jobs"
	"github.com/kmansel/jobdispatch/pkg/models"
)

// Submitter defines the interface the submit handler depends on.
type Submitter interface {
	Submit(ctx context.Context, p jobs.SubmitParams) (*models.Job, bool, error)
}

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitHandler(svc Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		var req struct {
			TenantID       string          `json:"tenant_id"`
			Name           string          `json:"name"`
			Family         string          `json:"family"`
			Input          json.RawMessage `json:"input"`
			Priority       int             `json:"priority"`
			MaxRetries     *int            `json:"max_retries"`
			TimeoutSeconds *int            `json:"timeout_seconds"`
			IdempotencyKey string          `json:"idempotency_key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "MALFORMED_INPUT", "Invalid JSON body", nil)
			return
		}

		// The authenticated key decides the tenant; an explicit
		// tenant_id in the body must agree with it.
		if req.TenantID != "" {
			bodyTenant, err := uuid.Parse(req.TenantID)
			if err != nil || bodyTenant != tenantID {
				response.Error(w, http.StatusBadRequest, "INVALID_TENANT",
					"tenant_id does not match the authenticated tenant", nil)
				return
			}
		}

		job, created, err := svc.Submit(r.Context(), jobs.SubmitParams{
			TenantID:       tenantID,
			Name:           req.Name,
			Family:         req.Family,
			Input:          req.Input,
			Priority:       req.Priority,
			MaxRetries:     req.MaxRetries,
			TimeoutSeconds: req.TimeoutSeconds,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			switch {
			case errors.Is(err, jobs.ErrInvalidTenant):
				response.Error(w, http.StatusBadRequest, "INVALID_TENANT", err.Error(), nil)
			case errors.Is(err, jobs.ErrMalformedInput):
				response.Error(w, http.StatusBadRequest, "MALFORMED_INPUT", err.Error(), nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"Failed to accept job", nil)
			}
			return
		}

		body := submitResponse(job)
		if created {
			response.Accepted(w, body)
			return
		}
		// Idempotent replay: the original job, not a new one.
		response.JSON(w, body)
	}
}

// submitResponse always carries the destination field; it is null until
// the dispatcher fixes a destination at the first dispatch attempt.
func submitResponse(job *models.Job) map[string]any {
	return map[string]any{
		"job_id":      job.ID,
		"status":      job.Status,
		"destination": job.Destination,
	}
}
