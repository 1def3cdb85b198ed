package provider

import (
	"context"
	"errors"
	"time"
)

// Policy decides whether and when to retry a failed outbound call.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns the retry policy used for provider calls unless
// overridden by flags.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// Outcome is the observed result of one outbound call attempt.
type Outcome struct {
	StatusCode int           // 0 when the failure was network-level
	RetryAfter time.Duration // server-supplied Retry-After, when present
	Err        error         // non-nil for network-level failures
}

// Retryable reports whether the outcome is worth retrying at all:
// network-level transport errors, and HTTP 429/502/503/504. Any other status
// is final, whatever the attempt count.
func (p Policy) Retryable(o Outcome) bool {
	if o.Err != nil {
		return true
	}
	switch o.StatusCode {
	case 429, 502, 503, 504:
		return true
	}
	return false
}

// Next returns the delay before attempt+1 and whether to retry at all.
// attempt is zero-based. The delay is BaseDelay * 2^attempt capped at
// MaxDelay, plus a small deterministic jitter of (attempt mod 3) * 250ms so
// jobs started at the same instant fan out. A 429 carrying Retry-After uses
// the server's value verbatim.
func (p Policy) Next(attempt int, o Outcome) (time.Duration, bool) {
	if !p.Retryable(o) {
		return 0, false
	}
	if attempt >= p.MaxAttempts {
		return 0, false
	}
	if o.StatusCode == 429 && o.RetryAfter > 0 {
		return o.RetryAfter, true
	}
	delay := p.BaseDelay << uint(attempt)
	if delay <= 0 || delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	delay += time.Duration(attempt%3) * 250 * time.Millisecond
	return delay, true
}

// Retry runs fn until it succeeds, fails with a non-retryable error, or the
// policy is exhausted. Only *TransportError values are eligible for retry;
// anything else (including CreateRejectedError) is returned immediately.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var te *TransportError
		if !errors.As(err, &te) {
			return err
		}
		outcome := Outcome{StatusCode: te.StatusCode, Err: te.Err}
		if te.RetryAfter > 0 {
			outcome.RetryAfter = time.Duration(te.RetryAfter) * time.Second
		}
		delay, retry := p.Next(attempt, outcome)
		if !retry {
			if p.Retryable(outcome) {
				return &ExhaustedError{Attempts: attempt + 1, Last: err}
			}
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
