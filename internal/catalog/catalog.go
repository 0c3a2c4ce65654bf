// Package catalog defines the pattern catalog: the ordered, named set of
// detection rules that decide what counts as a concrete reference.
//
// The catalog is loaded once at process start and is read-only afterward,
// which makes it safe to share across concurrently validated content units.
// Every consumer of "does this text contain a concrete reference?" (the
// detector, the consistency checker, the storage-boundary enforcer) goes
// through the same catalog instance, so there is exactly one rule set in
// the process and nothing to drift.
package catalog

import (
	"fmt"
	"regexp"
	"strings"
)

// ReferenceType classifies the kind of concrete reference a rule detects.
type ReferenceType string

// Supported reference types.
const (
	TypeFilePath   ReferenceType = "file_path"
	TypeIdentifier ReferenceType = "identifier"
	TypeURL        ReferenceType = "url"
	TypeIP         ReferenceType = "ip"
	TypeEmail      ReferenceType = "email"
	TypeCredential ReferenceType = "credential"
)

// MatcherKind selects the matching strategy for a rule.
type MatcherKind string

// Matcher kinds. Regex rules carry a pattern compiled at load time,
// literal rules match an exact substring, structural rules dispatch to a
// named built-in analyzer.
const (
	KindRegex      MatcherKind = "regex"
	KindLiteral    MatcherKind = "literal"
	KindStructural MatcherKind = "structural"
)

// Span is a half-open [Start, End) byte range into the scanned text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Rule is one named detection rule.
type Rule struct {
	Name           string        `yaml:"name"`
	Type           ReferenceType `yaml:"type"`
	Kind           MatcherKind   `yaml:"kind"`
	Pattern        string        `yaml:"pattern"`
	BaseConfidence float64       `yaml:"confidence"`

	matcher matcher
}

// matcher finds all spans of a rule in text. Implementations must return
// non-overlapping spans in ascending order.
type matcher interface {
	find(text string) []Span
}

// ─── Matcher variants ────────────────────────────────────────────────────────

type regexMatcher struct {
	re *regexp.Regexp
}

func (m regexMatcher) find(text string) []Span {
	idx := m.re.FindAllStringIndex(text, -1)
	spans := make([]Span, 0, len(idx))
	for _, pair := range idx {
		spans = append(spans, Span{Start: pair[0], End: pair[1]})
	}
	return spans
}

type literalMatcher struct {
	value string
}

func (m literalMatcher) find(text string) []Span {
	if m.value == "" {
		return nil
	}
	var spans []Span
	for off := 0; ; {
		i := strings.Index(text[off:], m.value)
		if i < 0 {
			break
		}
		start := off + i
		spans = append(spans, Span{Start: start, End: start + len(m.value)})
		off = start + len(m.value)
	}
	return spans
}

type structuralMatcher struct {
	analyze func(text string) []Span
}

func (m structuralMatcher) find(text string) []Span {
	return m.analyze(text)
}

// structuralAnalyzers maps analyzer names usable in a structural rule's
// Pattern field to their implementations.
var structuralAnalyzers = map[string]func(text string) []Span{
	"posix_home_path": findPosixHomePaths,
}

// findPosixHomePaths locates /home/<user>/... and /Users/<user>/... paths
// by walking candidate tokens segment by segment instead of with a single
// regex, so that trailing punctuation and quote characters are excluded.
func findPosixHomePaths(text string) []Span {
	var spans []Span
	for off := 0; off < len(text); {
		i := indexAnyPrefix(text[off:], "/home/", "/Users/")
		if i < 0 {
			break
		}
		start := off + i
		pos := start
		segs := 0
		for pos < len(text) && text[pos] == '/' {
			j := pos + 1
			for j < len(text) && isSegmentByte(text[j]) {
				j++
			}
			seg := strings.TrimRight(text[pos+1:j], ".,-")
			if seg == "" {
				break
			}
			pos = pos + 1 + len(seg)
			segs++
		}
		// A bare /home or /home/<user> is not a usable file reference.
		if segs >= 3 {
			spans = append(spans, Span{Start: start, End: pos})
			off = pos
		} else {
			off = start + 1
		}
	}
	return spans
}

func isSegmentByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '.' || b == '_' || b == '~' || b == '+' || b == '-':
		return true
	}
	return false
}

func indexAnyPrefix(text string, prefixes ...string) int {
	best := -1
	for _, p := range prefixes {
		if i := strings.Index(text, p); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}

// ─── Placeholders ────────────────────────────────────────────────────────────

// PlaceholderPattern matches a placeholder token such as <project_root>.
const PlaceholderPattern = `<[a-z][a-z0-9_]*>`

var placeholderRE = regexp.MustCompile(PlaceholderPattern)

// IsPlaceholder reports whether s contains a placeholder token. A value
// that contains a placeholder must never be treated as a concrete original.
func IsPlaceholder(s string) bool {
	return placeholderRE.MatchString(s)
}

// PlaceholderFor returns the canonical placeholder token for a reference
// type. The mapping is deterministic: two runs over the same input always
// produce the same placeholder.
func PlaceholderFor(t ReferenceType) string {
	switch t {
	case TypeFilePath:
		return "<project_root>"
	case TypeURL:
		return "<api_endpoint>"
	case TypeIP:
		return "<ip_address>"
	case TypeEmail:
		return "<email_address>"
	case TypeCredential:
		return "<credential>"
	case TypeIdentifier:
		return "<user_identifier>"
	default:
		return "<reference>"
	}
}

// ─── Catalog ─────────────────────────────────────────────────────────────────

// Catalog is the compiled, immutable rule set.
type Catalog struct {
	rules []Rule
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := build(defaultRules())
	if err != nil {
		// The built-in rule set is covered by tests; a compile failure
		// here is a programming error, not a runtime condition.
		panic(fmt.Sprintf("catalog: built-in rules: %v", err))
	}
	return c
}

// build compiles rules into a catalog, validating each rule.
func build(rules []Rule) (*Catalog, error) {
	compiled := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("catalog: rule with empty name")
		}
		if r.BaseConfidence < 0 || r.BaseConfidence > 1 {
			return nil, fmt.Errorf("catalog: rule %q: confidence %v out of [0,1]", r.Name, r.BaseConfidence)
		}
		switch r.Kind {
		case KindRegex:
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("catalog: rule %q: %w", r.Name, err)
			}
			r.matcher = regexMatcher{re: re}
		case KindLiteral:
			if r.Pattern == "" {
				return nil, fmt.Errorf("catalog: rule %q: empty literal", r.Name)
			}
			r.matcher = literalMatcher{value: r.Pattern}
		case KindStructural:
			analyze, ok := structuralAnalyzers[r.Pattern]
			if !ok {
				return nil, fmt.Errorf("catalog: rule %q: unknown analyzer %q", r.Name, r.Pattern)
			}
			r.matcher = structuralMatcher{analyze: analyze}
		default:
			return nil, fmt.Errorf("catalog: rule %q: unknown kind %q", r.Name, r.Kind)
		}
		compiled = append(compiled, r)
	}
	return &Catalog{rules: compiled}, nil
}

// Rules returns the rules in catalog order. The returned slice must not be
// modified.
func (c *Catalog) Rules() []Rule {
	return c.rules
}

// Find returns all spans rule r matches in text, excluding spans that
// intersect a placeholder token. Only the token itself is exempt: a
// reference that begins right after a placeholder ends is an independent
// reference and is reported. (The abstraction engine guarantees the
// suffixes it preserves never re-match the catalog, so this exemption
// stays narrow without breaking idempotence.)
func (c *Catalog) Find(r Rule, text string) []Span {
	spans := r.matcher.find(text)
	if len(spans) == 0 {
		return spans
	}
	ph := placeholderRE.FindAllStringIndex(text, -1)
	if len(ph) == 0 {
		return spans
	}
	kept := spans[:0]
	for _, s := range spans {
		if !overlapsAny(s, ph) {
			kept = append(kept, s)
		}
	}
	return kept
}

// Matches reports whether any rule in the catalog matches text. This is
// the single predicate shared by the consistency checker and the storage
// enforcer.
func (c *Catalog) Matches(text string) bool {
	for _, r := range c.rules {
		if len(c.Find(r, text)) > 0 {
			return true
		}
	}
	return false
}

// overlapsAny reports whether span s intersects any placeholder span.
func overlapsAny(s Span, idx [][]int) bool {
	for _, p := range idx {
		if s.Start < p[1] && p[0] < s.End {
			return true
		}
	}
	return false
}
