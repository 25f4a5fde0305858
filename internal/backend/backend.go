// Package backend holds the intake clients for the two execution
// backends. Both speak the same intake contract; the service treats
// them as opaque collaborators that accept jobs and later report status
// through the callback endpoint.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for intake failures.
var (
	// ErrRejected means the backend refused the job for this attempt
	// (4xx). The job stays pending and is retried by the next sweep.
	ErrRejected = errors.New("backend rejected job")

	// ErrUnavailable covers transport errors, 5xx responses, intake
	// timeouts, and an open circuit breaker. A backend outage is not a
	// job failure.
	ErrUnavailable = errors.New("backend unavailable")
)

// IntakeRequest is the payload handed to a backend's intake API.
type IntakeRequest struct {
	JobID    uuid.UUID       `json:"job_id"`
	Family   string          `json:"family"`
	Input    json.RawMessage `json:"input,omitempty"`
	Priority int             `json:"priority"`
}

// Client is the interface for submitting jobs to an execution backend.
type Client interface {
	Name() string
	Submit(ctx context.Context, req IntakeRequest) error
	Ready(ctx context.Context) error
}

// Registry maps destination names to their intake clients.
type Registry map[string]Client

// Lookup returns the client for a destination.
func (r Registry) Lookup(destination string) (Client, error) {
	c, ok := r[destination]
	if !ok {
		return nil, fmt.Errorf("unknown destination %q", destination)
	}
	return c, nil
}
