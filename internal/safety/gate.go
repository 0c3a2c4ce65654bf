package safety

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mgrinell/veil/internal/abstraction"
	"github.com/mgrinell/veil/internal/catalog"
	"github.com/mgrinell/veil/internal/detect"
)

// Mandatory field names, as they appear on the wire.
const (
	FieldAbstractedPrompt = "abstracted_prompt"
	FieldAbstractedCode   = "abstracted_code"
	FieldMappings         = "abstraction_mappings"
	FieldSafetyScore      = "safety_score"
	FieldValidatedAt      = "validation_timestamp"
)

// Candidate is the record a content unit must present to the gate.
// Callers build it from raw field values; a nil field is absent, a field
// of the wrong dynamic type fails the type check.
type Candidate struct {
	AbstractedPrompt any
	AbstractedCode   any
	Mappings         any
	SafetyScore      any
	ValidatedAt      any
}

// NewCandidate builds a well-typed Candidate from pipeline output.
func NewCandidate(prompt, code string, mappings []abstraction.Mapping, score float64, at time.Time) Candidate {
	return Candidate{
		AbstractedPrompt: prompt,
		AbstractedCode:   code,
		Mappings:         mappings,
		SafetyScore:      score,
		ValidatedAt:      at,
	}
}

// Check is the outcome of one gate sub-check.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Err    *Error `json:"error,omitempty"`
}

// Verdict is the gate's terminal decision for one validation run.
// There are no retries at this layer; a corrected unit is a new run.
type Verdict struct {
	Accepted bool    `json:"accepted"`
	Score    float64 `json:"score"`
	Errors   []Error `json:"errors,omitempty"`
	Warnings []Error `json:"warnings,omitempty"`
}

// Gate applies the minimum-score policy and mandatory-field checks.
type Gate struct {
	MinScore float64
}

// NewGate creates a Gate. A non-positive minimum uses the default policy.
func NewGate(minScore float64) *Gate {
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	return &Gate{MinScore: minScore}
}

// FieldChecks verifies presence and type of every mandatory field. One
// Check per field, so the pass rate feeds the scorer before the final
// decision is taken.
func (g *Gate) FieldChecks(c Candidate) []Check {
	checks := make([]Check, 0, 5)
	checks = append(checks, fieldCheck(FieldAbstractedPrompt, c.AbstractedPrompt, isString))
	checks = append(checks, fieldCheck(FieldAbstractedCode, c.AbstractedCode, isString))
	checks = append(checks, fieldCheck(FieldMappings, c.Mappings, isMappings))
	checks = append(checks, fieldCheck(FieldSafetyScore, c.SafetyScore, isFloat))
	checks = append(checks, fieldCheck(FieldValidatedAt, c.ValidatedAt, isTime))
	return checks
}

// Decide applies the acceptance rule: every field check passed, score at
// or above the minimum, zero completeness violations. Each failing
// condition contributes its own structured error.
func (g *Gate) Decide(checks []Check, report abstraction.Report, score float64) Verdict {
	v := Verdict{Score: score}

	for _, ch := range checks {
		if !ch.Passed && ch.Err != nil {
			v.Errors = append(v.Errors, *ch.Err)
		}
	}

	for _, viol := range report.Violations {
		if viol.Kind == abstraction.ViolationCompleteness {
			v.Errors = append(v.Errors, Error{
				Code:       CodeConcreteUnmapped,
				Message:    fmt.Sprintf("concrete reference survived abstraction: %q", viol.Value),
				Severity:   SeverityCritical,
				Suggestion: suggestFor(viol.Value),
			})
		}
		if viol.Kind == abstraction.ViolationSemantic {
			v.Errors = append(v.Errors, Error{
				Code:     CodeAbstractedSource,
				Message:  fmt.Sprintf("abstraction derived from placeholder value %q", viol.Value),
				Severity: SeverityCritical,
			})
		}
	}

	if score < g.MinScore {
		v.Errors = append(v.Errors, Error{
			Code:       CodeScoreBelow,
			Message:    fmt.Sprintf("safety score %.3f below minimum %.2f", score, g.MinScore),
			Severity:   SeverityError,
			Suggestion: "abstract the remaining concrete references and re-submit",
		})
	}

	v.Accepted = CountBlocking(v.Errors) == 0
	return v
}

// CheckProvided validates a caller-supplied abstraction set against fresh
// detection output: every concrete reference must have a mapping (SA002),
// and no mapping may derive from an already-abstracted original (SA003).
func (g *Gate) CheckProvided(refs []detect.Reference, mappings []abstraction.Mapping) []Error {
	mapped := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		mapped[abstraction.NormalizeOriginal(m.Original, m.Type)+"|"+string(m.Type)] = true
	}

	var errs []Error
	seen := make(map[string]bool)
	for _, ref := range refs {
		key := abstraction.NormalizeOriginal(ref.Raw, ref.Type) + "|" + string(ref.Type)
		if mapped[key] || seen[key] {
			continue
		}
		seen[key] = true
		errs = append(errs, Error{
			Code:       CodeConcreteUnmapped,
			Message:    fmt.Sprintf("concrete %s %q has no abstraction", ref.Type, ref.Raw),
			Severity:   SeverityError,
			Suggestion: suggestFor(ref.Raw, ref.Type),
		})
	}

	for _, m := range mappings {
		if catalog.IsPlaceholder(m.Original) {
			errs = append(errs, Error{
				Code:       CodeAbstractedSource,
				Message:    fmt.Sprintf("mapping original %q is already a placeholder", m.Original),
				Severity:   SeverityCritical,
				Suggestion: "supply the concrete value the placeholder replaced",
			})
		}
	}
	return errs
}

// suggestFor builds a remediation hint naming the replacement placeholder.
func suggestFor(raw string, types ...catalog.ReferenceType) string {
	if raw == "" {
		return ""
	}
	t := catalog.TypeFilePath
	if len(types) > 0 {
		t = types[0]
	}
	return fmt.Sprintf("replace %q with %q", raw, abstraction.Placeholder(raw, t))
}

// ─── Field checks ────────────────────────────────────────────────────────────

func fieldCheck(name string, value any, typed func(any) bool) Check {
	if value == nil {
		return Check{Name: name, Err: &Error{
			Code:     CodeMissingField,
			Message:  fmt.Sprintf("mandatory field %s is missing", name),
			Severity: SeverityError,
		}}
	}
	if !typed(value) {
		return Check{Name: name, Err: &Error{
			Code:     CodeWrongType,
			Message:  fmt.Sprintf("mandatory field %s has wrong type %T", name, value),
			Severity: SeverityError,
		}}
	}
	return Check{Name: name, Passed: true}
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

func isFloat(v any) bool {
	switch v.(type) {
	case float64, float32:
		return true
	case json.Number:
		return true
	}
	return false
}

func isTime(v any) bool {
	switch t := v.(type) {
	case time.Time:
		return !t.IsZero()
	case string:
		_, err := time.Parse(time.RFC3339, t)
		return err == nil
	}
	return false
}

func isMappings(v any) bool {
	switch v.(type) {
	case []abstraction.Mapping, []map[string]any:
		return true
	}
	return false
}
