// Package provider adapts external asynchronous generation APIs
// (image, video, audio) to one uniform create/poll surface.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// JobRef identifies a task on the remote provider. StatusURL is set when the
// provider returns a direct status-fetch address alongside the task ID.
type JobRef struct {
	TaskID    string `json:"task_id"`
	StatusURL string `json:"status_url,omitempty"`
}

// Client is the provider-agnostic surface. Each adapter maps its own wire
// format and status vocabulary onto JobRef and Status.
type Client interface {
	Name() string
	Create(ctx context.Context, payload json.RawMessage) (*JobRef, error)
	FetchStatus(ctx context.Context, ref *JobRef) (*Status, error)
}

// CreateRejectedError is a provider-side validation failure on job creation.
// It is never retried: a job that never started is not worth polling.
type CreateRejectedError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *CreateRejectedError) Error() string {
	return fmt.Sprintf("%s rejected create (HTTP %d): %s", e.Provider, e.StatusCode, e.Body)
}

// IsCreateRejected reports whether err is a provider create rejection.
func IsCreateRejected(err error) bool {
	var cr *CreateRejectedError
	return errors.As(err, &cr)
}

// TransportError is a transient-looking outbound failure: a network error or
// an HTTP status the retry policy may choose to retry.
type TransportError struct {
	Provider   string
	Op         string
	StatusCode int // 0 for network-level failures
	RetryAfter int // seconds, from a 429 Retry-After header when present
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: HTTP %d", e.Provider, e.Op, e.StatusCode)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ExhaustedError reports that the retry policy gave up on a transient failure.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// IsExhausted reports whether err means the retry policy ran out of attempts.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}
