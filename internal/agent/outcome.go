package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/KafClaw/taskclaw/internal/blob"
	"github.com/KafClaw/taskclaw/internal/timeline"
)

// boilerplatePatterns match replies that promise work instead of doing it.
var boilerplatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bi('| wi)ll get back to you\b`),
	regexp.MustCompile(`(?i)\b(i am|i'm|currently|still) working on (it|this|that)\b`),
	regexp.MustCompile(`(?i)^\s*working on it\b`),
	regexp.MustCompile(`(?i)\bas an ai\b`),
	regexp.MustCompile(`(?i)^\s*let me know if\b`),
	regexp.MustCompile(`(?i)\bi will (start|begin|look into) (this|it|that)( shortly| soon| now)?[.!]?\s*$`),
}

// IsBoilerplate reports whether text is a non-answer. Short replies are
// judged as a whole; "let me know if" only counts when nothing precedes it.
func IsBoilerplate(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return true
	}
	// A long answer that ends with a courtesy phrase is still an answer.
	if len([]rune(t)) > 400 {
		return false
	}
	for _, re := range boilerplatePatterns {
		if re.MatchString(t) {
			return true
		}
	}
	return false
}

// OutcomeWriter turns result text into a task outcome, moving large
// results to the blob store.
type OutcomeWriter struct {
	Blobs        blob.Store
	Threshold    int
	SummaryChars int
}

// Prepare builds the outcome for text. When text exceeds the threshold
// and a blob store is set, the full text is stored and the outcome carries
// a summary plus the blob id.
func (w *OutcomeWriter) Prepare(ctx context.Context, text string, links []string) (timeline.Outcome, error) {
	if w == nil {
		return timeline.Outcome{Summary: text, Links: links}, nil
	}
	threshold := w.Threshold
	if threshold <= 0 {
		threshold = 4096
	}
	out := timeline.Outcome{Summary: text, Links: links}
	if len(text) <= threshold || w.Blobs == nil {
		return out, nil
	}
	id, err := w.Blobs.Put(ctx, []byte(text), "text/markdown; charset=utf-8")
	if err != nil {
		return out, fmt.Errorf("store outcome: %w", err)
	}
	out.Summary = Summarize(text, w.SummaryChars)
	out.FileID = id
	return out, nil
}

// Summarize cuts text to max runes on a word boundary where possible.
func Summarize(text string, max int) string {
	if max <= 0 {
		max = 280
	}
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= max {
		return text
	}
	cut := string(r[:max-1])
	if i := strings.LastIndexByte(cut, ' '); i > len(cut)/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,.;:") + "…"
}
