package provider

import "strings"

// State is the normalized provider job state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// Terminal reports whether the provider will not change this state again.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCanceled:
		return true
	}
	return false
}

// Status is one normalized observation of a remote job.
type Status struct {
	State     State  `json:"state"`
	ResultURL string `json:"result_url,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// normalizeStatus maps a provider's raw status string onto the fixed state
// set using the adapter's vocabulary table. Matching is case-insensitive.
// An unrecognized string maps to running: providers introduce new in-progress
// labels without notice, and treating those as errors would fail live jobs.
func normalizeStatus(vocab map[string]State, raw string) State {
	if s, ok := vocab[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return StateRunning
}
