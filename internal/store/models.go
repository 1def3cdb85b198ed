package store

import (
	"encoding/json"
	"time"
)

// Job states
const (
	StatePending   = "pending"
	StateSubmitted = "submitted"
	StatePolling   = "polling"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateTimedOut  = "timed_out"
	StateCanceled  = "canceled"
)

// Ledger entry reasons
const (
	ReasonHold       = "hold"
	ReasonCommit     = "commit"
	ReasonRefund     = "refund"
	ReasonAdjustment = "adjustment"
)

// IsTerminalState reports whether a job state admits no further transition.
func IsTerminalState(state string) bool {
	switch state {
	case StateSucceeded, StateFailed, StateTimedOut, StateCanceled:
		return true
	}
	return false
}

// Account is one prepaid token balance. The balance column is a cache of
// the running sum of ledger entry deltas and is only mutated alongside an
// entry insert, inside the same write transaction.
type Account struct {
	ID        string    `json:"id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// LedgerEntry is an immutable record of one balance delta.
type LedgerEntry struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	Delta          int64           `json:"delta"`
	Reason         string          `json:"reason"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	BalanceAfter   int64           `json:"balance_after"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Job is one unit of remote work and its settlement bookkeeping.
type Job struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	Provider       string          `json:"provider"`
	ProviderRef    *string         `json:"provider_ref,omitempty"`
	StatusURL      *string         `json:"status_url,omitempty"`
	State          string          `json:"state"`
	IdempotencyKey string          `json:"idempotency_key"`
	Cost           int64           `json:"cost"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ResultURL      *string         `json:"result_url,omitempty"`
	ErrorKind      *string         `json:"error_kind,omitempty"`
	ErrorDetail    *string         `json:"error_detail,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	SubmittedAt    *time.Time      `json:"submitted_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}
