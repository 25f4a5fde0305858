package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/kmansel/jobdispatch/internal/jobs"
	"github.com/kmansel/jobdispatch/pkg/models"
)

type mockReporter struct {
	fn func(r jobs.StatusReport) bool
}

func (m *mockReporter) Enqueue(r jobs.StatusReport) bool {
	return m.fn(r)
}

func callbackReq(t *testing.T, body any) *http.Request {
	t.Helper()
	b, _ := json.Marshal(body)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/callbacks/status", bytes.NewReader(b))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func TestCallbackHandler_Enqueued(t *testing.T) {
	jobID := uuid.New()
	var captured jobs.StatusReport
	h := NewCallbackHandler(&mockReporter{fn: func(r jobs.StatusReport) bool {
		captured = r
		return true
	}})
	rec := httptest.NewRecorder()

	body := map[string]any{
		"job_id": jobID.String(),
		"status": "failed",
		"detail": "worker OOM",
	}
	h.ServeHTTP(rec, callbackReq(t, body))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.JobID != jobID || captured.Status != models.JobStatusFailed || captured.Detail != "worker OOM" {
		t.Errorf("unexpected report: %+v", captured)
	}
}

func TestCallbackHandler_QueueFull(t *testing.T) {
	h := NewCallbackHandler(&mockReporter{fn: func(r jobs.StatusReport) bool {
		return false
	}})
	rec := httptest.NewRecorder()

	body := map[string]any{"job_id": uuid.New().String(), "status": "running"}
	h.ServeHTTP(rec, callbackReq(t, body))

	status, code := parseErr(t, rec)
	if status != http.StatusServiceUnavailable || code != "QUEUE_FULL" {
		t.Errorf("expected 503 QUEUE_FULL, got %d %s", status, code)
	}
}

func TestCallbackHandler_InvalidStatus(t *testing.T) {
	tests := []string{"pending", "dispatched", "cancelled", "timed_out", "paused", ""}

	for _, status := range tests {
		t.Run("status "+status, func(t *testing.T) {
			h := NewCallbackHandler(&mockReporter{fn: func(r jobs.StatusReport) bool {
				t.Fatal("report must not be enqueued")
				return false
			}})
			rec := httptest.NewRecorder()

			body := map[string]any{"job_id": uuid.New().String(), "status": status}
			h.ServeHTTP(rec, callbackReq(t, body))

			gotStatus, code := parseErr(t, rec)
			if gotStatus != http.StatusBadRequest || code != "MALFORMED_INPUT" {
				t.Errorf("expected 400 MALFORMED_INPUT, got %d %s", gotStatus, code)
			}
		})
	}
}

func TestCallbackHandler_BadJobID(t *testing.T) {
	h := NewCallbackHandler(&mockReporter{fn: func(r jobs.StatusReport) bool {
		t.Fatal("report must not be enqueued")
		return false
	}})
	rec := httptest.NewRecorder()

	body := map[string]any{"job_id": "nope", "status": "running"}
	h.ServeHTTP(rec, callbackReq(t, body))

	status, code := parseErr(t, rec)
	if status != http.StatusBadRequest || code != "MALFORMED_INPUT" {
		t.Errorf("expected 400 MALFORMED_INPUT, got %d %s", status, code)
	}
}

func TestCallbackHandler_InvalidJSON(t *testing.T) {
	h := NewCallbackHandler(&mockReporter{fn: func(r jobs.StatusReport) bool {
		return true
	}})
	rec := httptest.NewRecorder()

	r := httptest.NewRequest(http.MethodPost, "/api/v1/callbacks/status", bytes.NewReader([]byte("{oops")))
	h.ServeHTTP(rec, r)

	status, code := parseErr(t, rec)
	if status != http.StatusBadRequest || code != "MALFORMED_INPUT" {
		t.Errorf("expected 400 MALFORMED_INPUT, got %d %s", status, code)
	}
}
