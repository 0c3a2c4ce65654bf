// Package detect scans text for concrete, environment-specific references
// using the pattern catalog.
//
// The detector is a pure function over its input: it holds only a pointer
// to the read-only catalog, produces no side effects, and is safe to call
// from any number of goroutines at once.
package detect

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/mgrinell/veil/internal/catalog"
)

// Input size limits in characters.
const (
	MaxCodeLen  = 100000
	MaxProseLen = 10000
)

// ErrInputMalformed reports input that violates the size or encoding
// contract. Callers fix the input and re-submit; the scan is never partial.
var ErrInputMalformed = errors.New("input malformed")

// Reference is one detected concrete reference. Ephemeral: produced per
// scan, never persisted.
type Reference struct {
	Type       catalog.ReferenceType `json:"type"`
	Raw        string                `json:"raw_value"`
	Span       catalog.Span          `json:"span"`
	Confidence float64               `json:"confidence"`
	Rule       string                `json:"rule"`
}

// Detector scans text against a catalog.
type Detector struct {
	cat *catalog.Catalog
}

// New creates a Detector over the given catalog.
func New(cat *catalog.Catalog) *Detector {
	return &Detector{cat: cat}
}

// ScanProse scans prose-sized input (prompts).
func (d *Detector) ScanProse(text string) ([]Reference, error) {
	return d.scan(text, MaxProseLen)
}

// ScanCode scans code-sized input (snippets, logs).
func (d *Detector) ScanCode(text string) ([]Reference, error) {
	return d.scan(text, MaxCodeLen)
}

// scan runs every catalog rule over text and returns the detected
// references ordered by span start, then by rule order. Matches from
// different rules may overlap; the abstraction engine resolves those.
// Empty output is a valid result, not an error.
func (d *Detector) scan(text string, limit int) ([]Reference, error) {
	if err := checkWellFormed(text, limit); err != nil {
		return nil, err
	}

	var refs []Reference
	for _, rule := range d.cat.Rules() {
		for _, span := range d.cat.Find(rule, text) {
			if span.Start < 0 || span.End > len(text) || span.Start >= span.End {
				// A misbehaving rule must not poison the whole scan.
				continue
			}
			raw := text[span.Start:span.End]
			refs = append(refs, Reference{
				Type:       rule.Type,
				Raw:        raw,
				Span:       span,
				Confidence: confidence(rule, raw),
				Rule:       rule.Name,
			})
		}
	}

	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].Span.Start != refs[j].Span.Start {
			return refs[i].Span.Start < refs[j].Span.Start
		}
		return refs[i].Span.End > refs[j].Span.End
	})
	return refs, nil
}

// checkWellFormed enforces the input contract: bounded size, valid UTF-8,
// and no control bytes other than newline, carriage return, and tab.
func checkWellFormed(text string, limit int) error {
	if len(text) > limit {
		return fmt.Errorf("%w: %d chars exceeds limit %d", ErrInputMalformed, len(text), limit)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInputMalformed)
	}
	for i := 0; i < len(text); i++ {
		b := text[i]
		if b < 0x20 && b != '\n' && b != '\r' && b != '\t' {
			return fmt.Errorf("%w: control byte 0x%02x at offset %d", ErrInputMalformed, b, i)
		}
	}
	return nil
}

// confidence adjusts a rule's base confidence with per-match heuristics.
// A scheme-qualified https URL is a stronger signal than a bare http one;
// a short numeric id is weaker than a long one.
func confidence(rule catalog.Rule, raw string) float64 {
	c := rule.BaseConfidence
	switch rule.Name {
	case "scheme_url":
		if strings.HasPrefix(raw, "https://") {
			c += 0.03
		}
		rest := raw
		if i := strings.Index(rest, "://"); i >= 0 {
			rest = rest[i+3:]
		}
		if !strings.ContainsRune(rest, '/') {
			c -= 0.05
		}
	case "numeric_identifier":
		if countDigits(raw) < 5 {
			c -= 0.25
		}
	case "ipv4_address":
		if strings.HasPrefix(raw, "127.") || raw == "0.0.0.0" {
			c -= 0.3
		}
	}
	return clamp01(c)
}

func countDigits(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			n++
		}
	}
	return n
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
