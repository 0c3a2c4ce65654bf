// Package safety computes the safety score and applies the validation
// gate that decides whether abstracted content may be persisted.
package safety

import "fmt"

// Stable error codes. Callers (MCP tools, CLI, external collaborators)
// match on these strings; their meaning must never change across versions.
const (
	CodeMissingField     = "E1001" // mandatory field absent
	CodeWrongType        = "E1002" // mandatory field present with wrong type
	CodeInputMalformed   = "E1003" // size/encoding contract violated
	CodeScoreBelow       = "SA001" // safety score below the minimum
	CodeConcreteUnmapped = "SA002" // concrete reference without an abstraction
	CodeAbstractedSource = "SA003" // abstraction derived from a placeholder
	CodeStorageExposure  = "SA004" // concrete exposure at the storage boundary
	CodeAuditDegraded    = "W1001" // audit sink unavailable; verdict unaffected
)

// Severity levels for structured errors.
const (
	SeverityCritical = "critical"
	SeverityError    = "error"
	SeverityWarning  = "warning"
)

// Error is one structured validation error. Every failing gate condition
// produces its own Error so callers can remediate precisely.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Severity   string `json:"severity"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Error implements the error interface.
func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsWarning reports whether the error is advisory only.
func (e Error) IsWarning() bool {
	return e.Severity == SeverityWarning
}

// CountBlocking returns the number of non-warning errors in errs.
func CountBlocking(errs []Error) int {
	n := 0
	for _, e := range errs {
		if !e.IsWarning() {
			n++
		}
	}
	return n
}
