package runner

import (
	"errors"
	"fmt"
)

// Kind classifies why a job did not produce a committed result. The kind is
// persisted on the job row and returned to API callers, so the set is stable.
type Kind string

const (
	KindInsufficientBalance Kind = "insufficient_balance"
	KindCreateRejected      Kind = "create_rejected"
	KindExhaustedRetries    Kind = "exhausted_retries"
	KindProviderFailed      Kind = "provider_failed"
	KindTimedOut            Kind = "timed_out"
	KindCanceled            Kind = "canceled"
	KindInternal            Kind = "internal"
)

// Error is a classified job failure. The hold, if one was placed, has been
// refunded by the time an Error is returned.
type Error struct {
	Kind   Kind
	JobID  string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("job %s: %s: %s", e.JobID, e.Kind, e.Detail)
	}
	return fmt.Sprintf("job %s: %s", e.JobID, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from err, or KindInternal when err carries
// no classification.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInternal
}
