package security

import (
	"regexp"
	"sort"
	"strings"
)

// DetectorMatch represents a single detection hit.
type DetectorMatch struct {
	Type  string // e.g. "api_key", "bearer_token"
	Value string // the matched text
	Start int    // byte offset in source string
	End   int    // byte offset end
}

// Detector finds secrets and credentials in text.
type Detector struct {
	detectors []namedRegex
}

type namedRegex struct {
	name string
	re   *regexp.Regexp
}

// Built-in secret patterns.
var builtinSecrets = map[string]string{
	"api_key":          `\b(?:sk-[A-Za-z0-9_\-]{20,}|pk_[A-Za-z0-9]{20,}|ghp_[A-Za-z0-9]{36}|gho_[A-Za-z0-9]{36}|glpat-[A-Za-z0-9\-]{20,}|xox[abpr]-[A-Za-z0-9\-]{10,})\b`,
	"aws_access_key":   `\bAKIA[A-Z0-9]{16}\b`,
	"bearer_token":     `Bearer\s+[A-Za-z0-9\-._~+/]{16,}=*`,
	"private_key":      `-----BEGIN\s+[A-Z\s]*PRIVATE\s+KEY-----`,
	"password_literal": `(?i)\b(?:password|passwd|pwd)\s*[:=]\s*\S+`,
}

// NewDetector creates a detector for the named built-in secret types plus
// any extra named patterns. Unknown names and invalid patterns are skipped.
func NewDetector(secretTypes []string, extra map[string]string) *Detector {
	d := &Detector{}
	for _, st := range secretTypes {
		pattern, ok := builtinSecrets[st]
		if !ok {
			continue
		}
		d.add(st, pattern)
	}
	names := make([]string, 0, len(extra))
	for name := range extra {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		d.add(name, extra[name])
	}
	return d
}

// SecretTypes lists the built-in secret pattern names, sorted.
func SecretTypes() []string {
	types := make([]string, 0, len(builtinSecrets))
	for k := range builtinSecrets {
		types = append(types, k)
	}
	sort.Strings(types)
	return types
}

// NewDefaultDetector creates a detector with all built-in secret patterns.
func NewDefaultDetector() *Detector {
	return NewDetector(SecretTypes(), nil)
}

func (d *Detector) add(name, pattern string) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return
	}
	d.detectors = append(d.detectors, namedRegex{name: name, re: re})
}

// Scan returns all matches found in the text.
func (d *Detector) Scan(text string) []DetectorMatch {
	var matches []DetectorMatch
	for _, nr := range d.detectors {
		for _, loc := range nr.re.FindAllStringIndex(text, -1) {
			matches = append(matches, DetectorMatch{
				Type:  nr.name,
				Value: text[loc[0]:loc[1]],
				Start: loc[0],
				End:   loc[1],
			})
		}
	}
	return matches
}

// First returns the first detector that matches, if any.
func (d *Detector) First(text string) (string, bool) {
	for _, nr := range d.detectors {
		if nr.re.MatchString(text) {
			return nr.name, true
		}
	}
	return "", false
}

// Redact replaces all detected matches in the text with [REDACTED:<type>].
func (d *Detector) Redact(text string) string {
	result := text
	for _, nr := range d.detectors {
		replacement := "[REDACTED:" + strings.ToUpper(nr.name) + "]"
		result = nr.re.ReplaceAllString(result, replacement)
	}
	return result
}

// ContainsKeywords checks if text contains any of the given keywords (case-insensitive).
func ContainsKeywords(text string, keywords []string) []string {
	lower := strings.ToLower(text)
	var found []string
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			found = append(found, kw)
		}
	}
	return found
}
