package handler

import (
	"net/http"

	"github.com/kmansel/jobdispatch/internal/api/response"
	"github.com/kmansel/jobdispatch/internal/sla"
)

// SLASnapshotter defines the interface the SLA report handler depends on.
type SLASnapshotter interface {
	Snapshot() []sla.FamilyReport
}

// NewSLAHandler returns an http.HandlerFunc for GET /api/v1/sla.
func NewSLAHandler(monitor SLASnapshotter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, monitor.Snapshot())
	}
}
