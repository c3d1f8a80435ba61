// Package security screens untrusted text before it reaches a model prompt.
package security

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Action is the scanner decision.
type Action string

const (
	Allow Action = "allow"
	Block Action = "block"
)

// Categories reported on a block verdict.
const (
	CategoryInstructionOverride    = "instruction_override"
	CategorySystemOverride         = "system_override"
	CategoryCredentialExfiltration = "credential_exfiltration"
	CategoryDelimiterInjection     = "delimiter_injection"
	CategorySecret                 = "secret"
	CategoryDenyKeyword            = "deny_keyword"
)

// Input sources.
const (
	SourceTask       = "task"
	SourceA2A        = "a2a_message"
	SourceToolOutput = "tool_output"
	SourceGoal       = "goal"
)

// Input is a piece of untrusted text and where it came from.
type Input struct {
	Source string
	Text   string
}

// Verdict is the result of a scan.
type Verdict struct {
	Action   Action `json:"action"`
	Reason   string `json:"reason,omitempty"`
	Category string `json:"category,omitempty"`
	Pattern  string `json:"pattern,omitempty"`
}

// Blocked reports whether the verdict vetoes the input.
func (v Verdict) Blocked() bool { return v.Action == Block }

// ErrBlocked is matched by every BlockedError.
var ErrBlocked = errors.New("blocked by security scanner")

// BlockedError carries the verdict that vetoed a run.
type BlockedError struct {
	Verdict Verdict
}

func (e *BlockedError) Error() string {
	return "security: " + e.Verdict.Reason
}

func (e *BlockedError) Is(target error) bool { return target == ErrBlocked }

// Pattern is one catalogue entry.
type Pattern struct {
	Name     string
	Category string
	Re       *regexp.Regexp
}

// Scanner checks input against an injection catalogue, secret detectors and
// deny keywords. It holds no mutable state and is safe for concurrent use.
type Scanner struct {
	catalogue    []Pattern
	detector     *Detector
	denyKeywords []string
}

// Options configure a Scanner. Zero values select the defaults.
type Options struct {
	Catalogue    []Pattern
	Detector     *Detector
	DenyKeywords []string
	// SkipSecrets disables secret detection (injection checks still run).
	SkipSecrets bool
}

// NewScanner builds a scanner.
func NewScanner(opts Options) *Scanner {
	s := &Scanner{
		catalogue:    opts.Catalogue,
		detector:     opts.Detector,
		denyKeywords: opts.DenyKeywords,
	}
	if s.catalogue == nil {
		s.catalogue = DefaultCatalogue()
	}
	if s.detector == nil && !opts.SkipSecrets {
		s.detector = NewDefaultDetector()
	}
	return s
}

// Scan returns the verdict for in. Checks run in a fixed order: deny
// keywords, injection catalogue, then secrets; the first hit wins.
func (s *Scanner) Scan(in Input) Verdict {
	text := in.Text
	if strings.TrimSpace(text) == "" {
		return Verdict{Action: Allow}
	}

	if found := ContainsKeywords(text, s.denyKeywords); len(found) > 0 {
		return Verdict{
			Action:   Block,
			Category: CategoryDenyKeyword,
			Pattern:  found[0],
			Reason:   fmt.Sprintf("denied keyword(s) in %s: %s", sourceName(in.Source), strings.Join(found, ", ")),
		}
	}

	for _, p := range s.catalogue {
		if p.Re.MatchString(text) {
			return Verdict{
				Action:   Block,
				Category: p.Category,
				Pattern:  p.Name,
				Reason:   fmt.Sprintf("%s detected in %s (%s)", strings.ReplaceAll(p.Category, "_", " "), sourceName(in.Source), p.Name),
			}
		}
	}

	if s.detector != nil {
		if name, ok := s.detector.First(text); ok {
			return Verdict{
				Action:   Block,
				Category: CategorySecret,
				Pattern:  name,
				Reason:   fmt.Sprintf("sensitive data detected in %s (%s)", sourceName(in.Source), name),
			}
		}
	}

	return Verdict{Action: Allow}
}

// Check is Scan returning a *BlockedError for block verdicts.
func (s *Scanner) Check(in Input) error {
	v := s.Scan(in)
	if v.Blocked() {
		return &BlockedError{Verdict: v}
	}
	return nil
}

// Redact masks secrets in text. It never blocks.
func (s *Scanner) Redact(text string) string {
	if s.detector == nil {
		return text
	}
	return s.detector.Redact(text)
}

func sourceName(source string) string {
	if source == "" {
		return "input"
	}
	return strings.ReplaceAll(source, "_", " ")
}
