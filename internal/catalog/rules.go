package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// defaultRules is the built-in rule set. Order matters: when two rules of
// different types match the same span with equal confidence, the earlier
// rule wins during overlap resolution.
func defaultRules() []Rule {
	return []Rule{
		// File paths. Home-directory paths use the structural analyzer so
		// trailing punctuation never leaks into the match.
		{
			Name:           "posix_home_path",
			Type:           TypeFilePath,
			Kind:           KindStructural,
			Pattern:        "posix_home_path",
			BaseConfidence: 0.95,
		},
		{
			Name:           "posix_system_path",
			Type:           TypeFilePath,
			Kind:           KindRegex,
			Pattern:        `(?:/tmp|/var|/etc|/opt|/usr|/srv)(?:/[A-Za-z0-9._~+-]+)+`,
			BaseConfidence: 0.85,
		},
		{
			Name:           "windows_path",
			Type:           TypeFilePath,
			Kind:           KindRegex,
			Pattern:        `[A-Za-z]:\\(?:[A-Za-z0-9._ ~+-]+\\)*[A-Za-z0-9._~+-]+`,
			BaseConfidence: 0.9,
		},

		// Network references.
		{
			Name:           "scheme_url",
			Type:           TypeURL,
			Kind:           KindRegex,
			Pattern:        `[a-z][a-z0-9+.-]*://[^\s<>"']+`,
			BaseConfidence: 0.95,
		},
		{
			Name:           "ipv4_address",
			Type:           TypeIP,
			Kind:           KindRegex,
			Pattern:        `\b(?:25[0-5]|2[0-4][0-9]|1[0-9][0-9]|[1-9]?[0-9])(?:\.(?:25[0-5]|2[0-4][0-9]|1[0-9][0-9]|[1-9]?[0-9])){3}\b`,
			BaseConfidence: 0.9,
		},
		{
			Name:           "email_address",
			Type:           TypeEmail,
			Kind:           KindRegex,
			Pattern:        `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
			BaseConfidence: 0.95,
		},

		// Credentials.
		{
			Name:           "openai_secret_key",
			Type:           TypeCredential,
			Kind:           KindRegex,
			Pattern:        `\bsk-[A-Za-z0-9_-]{20,}\b`,
			BaseConfidence: 0.98,
		},
		{
			Name:           "aws_access_key",
			Type:           TypeCredential,
			Kind:           KindRegex,
			Pattern:        `\bAKIA[0-9A-Z]{16}\b`,
			BaseConfidence: 0.98,
		},
		{
			Name:           "bearer_token",
			Type:           TypeCredential,
			Kind:           KindRegex,
			Pattern:        `(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{16,}`,
			BaseConfidence: 0.9,
		},
		{
			Name:           "secret_assignment",
			Type:           TypeCredential,
			Kind:           KindRegex,
			Pattern:        `(?i)\b(?:password|passwd|secret|api[_-]?key|access[_-]?token)\s*[:=]\s*['"]?[A-Za-z0-9!@#$%^&*_+./-]{6,}`,
			BaseConfidence: 0.8,
		},

		// Identifiers. Bare numeric ids are the weakest signal in the
		// catalog and rely on a naming cue to match at all.
		{
			Name:           "uuid_identifier",
			Type:           TypeIdentifier,
			Kind:           KindRegex,
			Pattern:        `\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`,
			BaseConfidence: 0.85,
		},
		{
			Name:           "numeric_identifier",
			Type:           TypeIdentifier,
			Kind:           KindRegex,
			Pattern:        `(?i)\b(?:user|account|order|session|request)?[_-]?id\s*[:=#]\s*[0-9]{3,}\b`,
			BaseConfidence: 0.5,
		},
	}
}

// ruleFile is the YAML shape of an overlay rules file.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Load builds a catalog from the built-in rules plus an optional YAML
// overlay file. Overlay rules with a known name replace the built-in rule;
// new names are appended after the built-ins in file order. An empty path
// returns the default catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read rules file: %w", err)
	}
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("catalog: parse rules file: %w", err)
	}

	rules := defaultRules()
	byName := make(map[string]int, len(rules))
	for i, r := range rules {
		byName[r.Name] = i
	}
	for _, r := range rf.Rules {
		if r.Kind == "" {
			r.Kind = KindRegex
		}
		if i, ok := byName[r.Name]; ok {
			rules[i] = r
			continue
		}
		byName[r.Name] = len(rules)
		rules = append(rules, r)
	}

	return build(rules)
}
