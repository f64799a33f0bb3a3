// Package ops holds the operation outcome value types shared by the
// executor, reconciler, upgrade engine and history store.
package ops

import (
	"strings"
	"time"
)

// Kind names the category of a directory mutation.
type Kind string

const (
	KindCreate          Kind = "CREATE"
	KindUpdate          Kind = "UPDATE"
	KindDelete          Kind = "DELETE"
	KindAddToGroup      Kind = "ADD_TO_GROUP"
	KindRemoveFromGroup Kind = "REMOVE_FROM_GROUP"

	// KindProcess marks outcomes synthesized by the executor itself
	// (timeouts, panicked items) where the real kind is unknown.
	KindProcess Kind = "PROCESS"
)

// OperationResult records the outcome of one identity operation. Immutable
// once produced; one item's failure never aborts the batch, it just shows
// up here with Success=false.
type OperationResult struct {
	Kind      Kind
	Target    string // username or group name
	Success   bool
	Message   string
	Details   map[string]any
	Timestamp time.Time
}

// BatchResult aggregates the outcomes of one executor run. Counting is by
// tally, not positional correspondence to the input list.
type BatchResult struct {
	Total      int
	Successful int
	Failed     int
	Results    []OperationResult
}

// SuccessRate is successful/total, 0 when the batch was empty.
func (b BatchResult) SuccessRate() float64 {
	if b.Total == 0 {
		return 0
	}
	return float64(b.Successful) / float64(b.Total)
}

// FailedRecord is the remediation-oriented view of a failed operation,
// surfaced in reports.
type FailedRecord struct {
	Target       string
	Kind         Kind
	ErrorMessage string
	ErrorCode    string
	Timestamp    time.Time
	SuggestedFix string
}

// SuggestFix maps an error message onto operator guidance.
func SuggestFix(errMessage string) string {
	msg := strings.ToLower(errMessage)
	switch {
	case strings.Contains(msg, "throttl") || strings.Contains(msg, "rate limit"):
		return "hit the remote rate limit; lower the worker count or widen the retry delay"
	case strings.Contains(msg, "validation"):
		return "record failed remote validation; check the roster field formats"
	case strings.Contains(msg, "conflict"):
		return "resource conflict; the identity may already exist or be mid-mutation"
	case strings.Contains(msg, "access denied") || strings.Contains(msg, "permission"):
		return "insufficient permissions; check the service credentials"
	case strings.Contains(msg, "not found"):
		return "resource missing; the user or group may have been deleted externally"
	default:
		return "see the run log for details"
	}
}
