package directory

import (
	"errors"
	"fmt"
)

// Kind classifies a remote failure once, at the gateway boundary. Everyone
// downstream branches on the kind instead of re-parsing message strings.
type Kind int

const (
	// KindTerminal errors (validation, conflict, missing resource,
	// permission denied) are never retried.
	KindTerminal Kind = iota
	// KindThrottled errors are retried with exponential backoff and drive
	// the executor's serial degradation.
	KindThrottled
	// KindUnknown errors retry on the same backoff schedule as throttling
	// but never trigger degradation.
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindTerminal:
		return "terminal"
	case KindThrottled:
		return "throttled"
	default:
		return "unknown"
	}
}

// Remote error codes as surfaced by the identity store API.
const (
	CodeValidation   = "ValidationException"
	CodeNotFound     = "ResourceNotFoundException"
	CodeConflict     = "ConflictException"
	CodeAccessDenied = "AccessDeniedException"

	CodeThrottling      = "ThrottlingException"
	CodeTooManyRequests = "TooManyRequestsException"
	CodeRequestLimit    = "RequestLimitExceeded"
	CodeSlowDown        = "SlowDown"
)

// ClassifyCode maps a remote error code onto a Kind.
func ClassifyCode(code string) Kind {
	switch code {
	case CodeValidation, CodeNotFound, CodeConflict, CodeAccessDenied:
		return KindTerminal
	case CodeThrottling, CodeTooManyRequests, CodeRequestLimit, "Throttling", CodeSlowDown:
		return KindThrottled
	default:
		return KindUnknown
	}
}

// CallError is the typed failure of one remote call.
type CallError struct {
	Op   string // gateway operation, e.g. "ListUsers"
	Code string // remote error code, empty when the failure was local
	Kind Kind
	Err  error
}

func (e *CallError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Code, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// NewCallError builds a classified call error from a remote code.
func NewCallError(op, code string, err error) *CallError {
	return &CallError{Op: op, Code: code, Kind: ClassifyCode(code), Err: err}
}

// KindOf extracts the classification of err, treating anything that is not
// a CallError as KindUnknown.
func KindOf(err error) Kind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// IsThrottled reports whether err is a classified throttling failure.
func IsThrottled(err error) bool { return err != nil && KindOf(err) == KindThrottled }

// IsTerminal reports whether err is a classified terminal failure.
func IsTerminal(err error) bool { return err != nil && KindOf(err) == KindTerminal }

// CodeOf returns the remote error code carried by err, or "UNKNOWN_ERROR"
// when err carries none.
func CodeOf(err error) string {
	var ce *CallError
	if errors.As(err, &ce) && ce.Code != "" {
		return ce.Code
	}
	return "UNKNOWN_ERROR"
}
