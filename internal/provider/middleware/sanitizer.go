package middleware

import (
	"context"
	"regexp"

	"github.com/KafClaw/taskclaw/internal/config"
	"github.com/KafClaw/taskclaw/internal/provider"
	"github.com/KafClaw/taskclaw/internal/security"
)

// FilteredResponse replaces a response that matched a deny pattern.
const FilteredResponse = "[Response filtered by output sanitizer]"

// OutputSanitizer scans LLM responses for secrets and deny patterns before
// they are parsed, persisted or forwarded.
type OutputSanitizer struct {
	cfg          config.SanitizerConfig
	scanner      *security.Scanner
	denyPatterns []*regexp.Regexp
}

// NewOutputSanitizer builds a sanitizer from config. The scanner supplies
// the secret detectors used for redaction.
func NewOutputSanitizer(cfg config.SanitizerConfig, scanner *security.Scanner) *OutputSanitizer {
	var deny []*regexp.Regexp
	for _, p := range cfg.DenyPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		deny = append(deny, re)
	}
	if scanner == nil {
		scanner = security.NewScanner(security.Options{})
	}
	return &OutputSanitizer{cfg: cfg, scanner: scanner, denyPatterns: deny}
}

func (s *OutputSanitizer) Name() string { return "output-sanitizer" }

func (s *OutputSanitizer) ProcessRequest(_ context.Context, _ *provider.ChatRequest, _ *RequestMeta) error {
	return nil
}

func (s *OutputSanitizer) ProcessResponse(_ context.Context, _ *provider.ChatRequest, resp *provider.ChatResponse, meta *RequestMeta) error {
	if !s.cfg.Enabled || resp == nil {
		return nil
	}

	for _, re := range s.denyPatterns {
		if re.MatchString(resp.Content) {
			resp.Content = FilteredResponse
			meta.Tags["output_sanitized"] = "denied"
			return nil
		}
	}

	if s.cfg.RedactSecrets {
		if redacted := s.scanner.Redact(resp.Content); redacted != resp.Content {
			resp.Content = redacted
			meta.Tags["output_sanitized"] = "redacted"
		}
	}

	if s.cfg.MaxOutputLength > 0 && len(resp.Content) > s.cfg.MaxOutputLength {
		resp.Content = resp.Content[:s.cfg.MaxOutputLength] + "\n[truncated by output sanitizer]"
		if _, ok := meta.Tags["output_sanitized"]; !ok {
			meta.Tags["output_sanitized"] = "truncated"
		}
	}
	return nil
}
