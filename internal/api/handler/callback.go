package handler

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/kmansel/jobdispatch/internal/api/response"
	"github.com/kmansel/jobdispatch/internal/jobs"
	"github.com/kmansel/jobdispatch/pkg/models"
)

// Reporter defines the interface the callback handler depends on.
type Reporter interface {
	Enqueue(r jobs.StatusReport) bool
}

// NewCallbackHandler returns an http.HandlerFunc for
// POST /api/v1/callbacks/status, the endpoint execution backends call
// to report job progress. The report is queued for the ingestion loop;
// a full queue answers 503 and the backend retries.
func NewCallbackHandler(ingestor Reporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JobID  string `json:"job_id"`
			Status string `json:"status"`
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "MALFORMED_INPUT", "Invalid JSON body", nil)
			return
		}

		jobID, err := uuid.Parse(req.JobID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "MALFORMED_INPUT", "Invalid job_id", nil)
			return
		}

		switch req.Status {
		case models.JobStatusRunning, models.JobStatusSucceeded, models.JobStatusFailed:
		default:
			response.Error(w, http.StatusBadRequest, "MALFORMED_INPUT",
				"status must be running, succeeded, or failed", nil)
			return
		}

		if !ingestor.Enqueue(jobs.StatusReport{JobID: jobID, Status: req.Status, Detail: req.Detail}) {
			response.Error(w, http.StatusServiceUnavailable, "QUEUE_FULL",
				"Status queue is full, retry shortly", nil)
			return
		}

		response.Accepted(w, map[string]any{"job_id": jobID})
	}
}
