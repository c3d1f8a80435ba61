package agent

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/KafClaw/taskclaw/internal/timeline"
)

func TestIsBoilerplate(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"", true},
		{"   ", true},
		{"I'll get back to you shortly.", true},
		{"I will get back to you once I have the numbers.", true},
		{"Working on it!", true},
		{"I'm still working on this.", true},
		{"As an AI, I cannot browse the web.", true},
		{"Let me know if you need anything else.", true},
		{"I will look into this shortly.", true},
		{"Q3 revenue was 1.2M EUR, up 8% on Q2.", false},
		{"Here is the summary. Let me know if you need anything else.", false},
		{"The working group meets on Fridays.", false},
		{strings.Repeat("Detailed findings follow. ", 20) + "I'll get back to you with more.", false},
	}
	for _, tt := range tests {
		if got := IsBoilerplate(tt.text); got != tt.want {
			t.Errorf("IsBoilerplate(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestSummarize(t *testing.T) {
	if got := Summarize("short   text\n here", 50); got != "short text here" {
		t.Errorf("got %q", got)
	}
	long := strings.Repeat("word ", 100)
	got := Summarize(long, 40)
	if utf8.RuneCountInString(got) > 40 {
		t.Errorf("summary too long: %d runes", utf8.RuneCountInString(got))
	}
	if !strings.HasSuffix(got, "…") || strings.Contains(got, "wor…") {
		t.Errorf("expected word-boundary cut, got %q", got)
	}
	if got := Summarize(strings.Repeat("ä", 500), 0); utf8.RuneCountInString(got) != 280 {
		t.Errorf("default limit: %d runes", utf8.RuneCountInString(got))
	}
}

func TestOutcomeWriterKeepsSmallTextInline(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})
	w := &OutcomeWriter{Blobs: env.blobs, Threshold: 100}
	out, err := w.Prepare(context.Background(), "small result", []string{"https://example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Summary != "small result" || out.FileID != "" || len(out.Links) != 1 {
		t.Errorf("unexpected outcome %+v", out)
	}
}

func TestOutcomeWriterStoresLargeTextAsBlob(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})
	ctx := context.Background()
	w := &OutcomeWriter{Blobs: env.blobs, Threshold: 64, SummaryChars: 30}

	text := strings.Repeat("Line of the quarterly report with numbers 12345.\n", 200)
	out, err := w.Prepare(ctx, text, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.FileID == "" {
		t.Fatal("expected blob id")
	}
	if utf8.RuneCountInString(out.Summary) > 30 {
		t.Errorf("summary not bounded: %q", out.Summary)
	}

	b, err := env.blobs.Get(ctx, out.FileID)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b.Data, []byte(text)) {
		t.Error("blob content differs from the original text")
	}
	if !strings.HasPrefix(b.ContentType, "text/markdown") {
		t.Errorf("content type %q", b.ContentType)
	}

	a := env.agent(t, "writer")
	task := env.task(t, a.ID, "Write the report")
	if err := env.store.ClaimTask(task.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.store.CompleteTask(task.ID, out); err != nil {
		t.Fatal(err)
	}
	got := env.reload(t, task.ID)
	if got.Status != timeline.TaskStatusCompleted || got.OutcomeFileID != out.FileID {
		t.Errorf("task does not reference the blob: %+v", got)
	}
}

func TestOutcomeWriterNil(t *testing.T) {
	var w *OutcomeWriter
	out, err := w.Prepare(context.Background(), strings.Repeat("x", 10000), nil)
	if err != nil || out.FileID != "" || len(out.Summary) != 10000 {
		t.Errorf("nil writer must keep text inline: %v", err)
	}
}
