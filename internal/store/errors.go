package store

import "errors"

type ErrorCode string

const (
	ErrorCodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	ErrorCodeNoSuchHold          ErrorCode = "NO_SUCH_HOLD"
	ErrorCodeAlreadyCommitted    ErrorCode = "ALREADY_COMMITTED"
	ErrorCodeInvalidAmount       ErrorCode = "INVALID_AMOUNT"
	ErrorCodeInvalidTransition   ErrorCode = "INVALID_TRANSITION"
	ErrorCodeNotFound            ErrorCode = "NOT_FOUND"
)

type StoreError struct {
	Code ErrorCode
	Msg  string
}

func (e *StoreError) Error() string {
	return e.Msg
}

func newStoreError(code ErrorCode, msg string) error {
	return &StoreError{Code: code, Msg: msg}
}

func hasCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var se *StoreError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == code
}

// IsInsufficientBalance reports whether err is a rejected hold due to
// the account balance being smaller than the requested amount.
func IsInsufficientBalance(err error) bool { return hasCode(err, ErrorCodeInsufficientBalance) }

// IsNoSuchHold reports whether err means no hold exists for the key.
func IsNoSuchHold(err error) bool { return hasCode(err, ErrorCodeNoSuchHold) }

// IsAlreadyCommitted reports whether err is a refund attempted after commit.
func IsAlreadyCommitted(err error) bool { return hasCode(err, ErrorCodeAlreadyCommitted) }

// IsInvalidTransition reports whether err is a rejected job state change.
func IsInvalidTransition(err error) bool { return hasCode(err, ErrorCodeInvalidTransition) }

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool { return hasCode(err, ErrorCodeNotFound) }
