package abstraction

import (
	"fmt"
	"path"
	"strings"

	"github.com/mgrinell/veil/internal/catalog"
	"github.com/mgrinell/veil/internal/detect"
)

// Violation kinds.
const (
	ViolationCompleteness = "completeness"
	ViolationDrift        = "drift"
	ViolationSemantic     = "semantic"
)

// Violation severities. A critical violation signals a pipeline bug, not a
// user error, and is never downgraded.
const (
	SeverityCritical = "critical"
	SeverityError    = "error"
)

// Violation is one consistency-check failure.
type Violation struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Value    string `json:"value"`
	Message  string `json:"message"`
}

// Report is the consistency checker's output for one content unit.
type Report struct {
	Complete   bool        `json:"completeness"`
	Consistent bool        `json:"consistency"`
	Violations []Violation `json:"violations"`
}

// Critical reports whether any violation in the report is critical.
func (r Report) Critical() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Checker verifies that an abstraction run actually neutralized every
// reference and kept the mapping table coherent.
type Checker struct {
	det *detect.Detector
}

// NewChecker creates a Checker that re-scans with the given detector,
// necessarily the same detector (same catalog) the pipeline scanned with.
func NewChecker(det *detect.Detector) *Checker {
	return &Checker{det: det}
}

// Check re-runs detection over the abstracted texts and audits the mapping
// table. Any surviving match is a completeness violation and is fatal to
// the content unit.
func (c *Checker) Check(abstractedTexts []string, mappings []Mapping) Report {
	rep := Report{Complete: true, Consistent: true}

	for _, text := range abstractedTexts {
		refs, err := c.det.ScanCode(text)
		if err != nil {
			// Abstracted output that fails the input contract means the
			// rewrite itself corrupted the text.
			rep.Complete = false
			rep.Violations = append(rep.Violations, Violation{
				Kind:     ViolationCompleteness,
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("abstracted output unscannable: %v", err),
			})
			continue
		}
		for _, ref := range refs {
			rep.Complete = false
			rep.Violations = append(rep.Violations, Violation{
				Kind:     ViolationCompleteness,
				Severity: SeverityCritical,
				Value:    ref.Raw,
				Message:  fmt.Sprintf("concrete %s survived abstraction", ref.Type),
			})
		}
	}

	// Drift: one normalized original of one type must map to exactly one
	// abstracted form within the unit.
	seen := make(map[string]string)
	for _, m := range mappings {
		key := NormalizeOriginal(m.Original, m.Type) + "|" + string(m.Type)
		if prev, ok := seen[key]; ok && prev != m.Abstracted {
			rep.Consistent = false
			rep.Violations = append(rep.Violations, Violation{
				Kind:     ViolationDrift,
				Severity: SeverityError,
				Value:    m.Original,
				Message:  fmt.Sprintf("mapped to both %q and %q", prev, m.Abstracted),
			})
			continue
		}
		seen[key] = m.Abstracted
	}

	// A placeholder-shaped original means a placeholder was fed back in
	// as a concrete value: a pipeline bug, not bad user input.
	for _, m := range mappings {
		if catalog.IsPlaceholder(m.Original) {
			rep.Consistent = false
			rep.Violations = append(rep.Violations, Violation{
				Kind:     ViolationSemantic,
				Severity: SeverityCritical,
				Value:    m.Original,
				Message:  "original is already placeholder-shaped",
			})
		}
	}

	return rep
}

// PreservesShape reports whether a mapping kept the structural shape class
// of its original: file extension for paths, path component for URLs. For
// atomic reference types the placeholder itself carries the shape class.
func PreservesShape(m Mapping) bool {
	switch m.Type {
	case catalog.TypeFilePath:
		return path.Ext(m.Original) == path.Ext(m.Abstracted)
	case catalog.TypeURL:
		want := urlPath(m.Original)
		if want == "" {
			return true
		}
		return strings.HasSuffix(m.Abstracted, want)
	}
	return true
}
