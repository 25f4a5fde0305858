package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// HTTPClient implements Client against a backend's HTTP intake API.
// The http.Client timeout bounds the synchronous intake call so a slow
// backend cannot stall the dispatch loop; it is independent of the
// job's own timeout_seconds. A circuit breaker per backend sheds calls
// during an outage instead of burning the intake timeout on every job.
type HTTPClient struct {
	name    string
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPClient creates an intake client for one backend.
func NewHTTPClient(name, baseURL string, timeout time.Duration) *HTTPClient {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: 30 * time.Second,
		Timeout:  15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		// A rejection is the backend answering, not the backend down.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRejected)
		},
	})

	return &HTTPClient{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: cb,
	}
}

func (c *HTTPClient) Name() string {
	return c.name
}

// Submit posts the job to the backend's intake endpoint. A 202 means
// accepted; 4xx means rejected with a reason; anything else counts as
// the backend being unavailable.
func (c *HTTPClient) Submit(ctx context.Context, req IntakeRequest) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.submit(ctx, req)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("%w: circuit open for %s", ErrUnavailable, c.name)
	}
	return err
}

func (c *HTTPClient) submit(ctx context.Context, req IntakeRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal intake request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/intake", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build intake request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: %s", ErrRejected, rejectionReason(resp.Body))
	default:
		return fmt.Errorf("%w: intake returned %d", ErrUnavailable, resp.StatusCode)
	}
}

func (c *HTTPClient) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/ready", nil)
	if err != nil {
		return fmt.Errorf("build ready request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ready returned %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func rejectionReason(body io.Reader) string {
	var payload struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&payload); err != nil || payload.Reason == "" {
		return "unspecified"
	}
	return payload.Reason
}
