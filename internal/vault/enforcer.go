package vault

import (
	"fmt"
	"strings"

	"github.com/mgrinell/veil/internal/abstraction"
	"github.com/mgrinell/veil/internal/catalog"
	"github.com/mgrinell/veil/internal/safety"
)

// Enforcer re-validates content at the storage boundary. It shares the
// process's single catalog instance with the pipeline, so the rules it
// applies can never drift from the rules the detector scanned with. Any
// write path that reaches the store without passing the validation gate is
// blocked here with the same error codes the gate uses.
type Enforcer struct {
	cat      *catalog.Catalog
	minScore float64
}

// NewEnforcer creates an Enforcer over the shared catalog.
func NewEnforcer(cat *catalog.Catalog, minScore float64) *Enforcer {
	if minScore <= 0 {
		minScore = safety.DefaultMinScore
	}
	return &Enforcer{cat: cat, minScore: minScore}
}

// EnforceInput is what the enforcer inspects before a write commits.
type EnforceInput struct {
	AbstractedFields []string
	Mappings         []abstraction.Mapping
	Score            float64
}

// Check re-applies the storage-side safety rules. A non-empty result means
// the enclosing transaction must abort.
func (e *Enforcer) Check(in EnforceInput) []safety.Error {
	var errs []safety.Error

	for _, field := range in.AbstractedFields {
		if e.cat.Matches(field) {
			errs = append(errs, safety.Error{
				Code:       safety.CodeStorageExposure,
				Message:    "abstracted content still matches the pattern catalog",
				Severity:   safety.SeverityCritical,
				Suggestion: "run the content back through the abstraction pipeline",
			})
			break
		}
	}

	for _, m := range in.Mappings {
		if !strings.Contains(m.Abstracted, "<") || !catalog.IsPlaceholder(m.Abstracted) {
			errs = append(errs, safety.Error{
				Code:     safety.CodeStorageExposure,
				Message:  fmt.Sprintf("mapping %q carries no placeholder", m.Abstracted),
				Severity: safety.SeverityCritical,
			})
			continue
		}
		if e.cat.Matches(m.Abstracted) {
			errs = append(errs, safety.Error{
				Code:     safety.CodeStorageExposure,
				Message:  fmt.Sprintf("abstracted value %q still matches the pattern catalog", m.Abstracted),
				Severity: safety.SeverityCritical,
			})
		}
		if catalog.IsPlaceholder(m.Original) {
			errs = append(errs, safety.Error{
				Code:     safety.CodeAbstractedSource,
				Message:  fmt.Sprintf("mapping original %q is placeholder-shaped", m.Original),
				Severity: safety.SeverityCritical,
			})
		}
	}

	if in.Score < e.minScore {
		errs = append(errs, safety.Error{
			Code:     safety.CodeScoreBelow,
			Message:  fmt.Sprintf("score %.3f below storage minimum %.2f", in.Score, e.minScore),
			Severity: safety.SeverityError,
		})
	}

	return errs
}

// EnforcementError aborts a storage transaction with the enforcer's
// structured errors attached.
type EnforcementError struct {
	ContentID string
	Errors    []safety.Error
}

// Error implements the error interface.
func (e *EnforcementError) Error() string {
	codes := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		codes = append(codes, err.Code)
	}
	return fmt.Sprintf("vault: enforcement rejected unit %s: %s", e.ContentID, strings.Join(codes, ", "))
}
