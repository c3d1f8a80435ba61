package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/KafClaw/taskclaw/internal/knowledge"
	"github.com/KafClaw/taskclaw/internal/memory"
	"github.com/KafClaw/taskclaw/internal/timeline"
	"github.com/KafClaw/taskclaw/internal/tools"
)

type failingMemory struct{}

func (failingMemory) Recent(context.Context, string, int) ([]memory.Entry, error) {
	return nil, errors.New("memory offline")
}

func TestContextBuilderBuild(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})
	ctx := context.Background()
	a := env.agent(t, "analyst", func(a *timeline.Agent) { a.Thinking.CurrentGoal = "Track quarterly revenue" })
	other := env.agent(t, "other")

	current := env.task(t, a.ID, "Summarize Q3 revenue", func(tk *timeline.Task) { tk.Title = "Q3 revenue" })
	env.task(t, a.ID, "Prepare board slides")
	env.task(t, "", "Unassigned cleanup")
	env.task(t, other.ID, "Not mine")
	busy := env.task(t, a.ID, "Reconcile invoices")
	if err := env.store.ClaimTask(busy.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.AddThought(&timeline.AgentThought{AgentID: a.ID, Type: timeline.ThoughtReasoning, Content: "Revenue grows"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.memory.Append(ctx, memory.Entry{AgentID: a.ID, Content: "Q2 revenue was 1.1M", Source: "test"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.knowledge.CreateNode(ctx, knowledge.Node{OwnerID: "owner-1", Title: "Revenue policy", Content: "Revenue is booked on delivery"}); err != nil {
		t.Fatal(err)
	}

	b := env.pipeline.builder
	bundle := b.Build(ctx, a, current)
	if bundle.Goal != "Track quarterly revenue" {
		t.Errorf("goal %q", bundle.Goal)
	}
	if len(bundle.Thoughts) != 1 || len(bundle.Memory) != 1 {
		t.Errorf("thoughts=%d memory=%d", len(bundle.Thoughts), len(bundle.Memory))
	}
	if len(bundle.PendingTasks) != 2 {
		t.Errorf("expected own and unassigned pending tasks, got %d", len(bundle.PendingTasks))
	}
	for _, pt := range bundle.PendingTasks {
		if pt.ID == current.ID {
			t.Error("current task listed as pending")
		}
		if pt.AgentID == other.ID {
			t.Error("another agent's task leaked into context")
		}
	}
	if len(bundle.InProgressTasks) != 1 || bundle.InProgressTasks[0].ID != busy.ID {
		t.Errorf("in progress %+v", bundle.InProgressTasks)
	}
	if len(bundle.Knowledge) != 1 {
		t.Errorf("expected the revenue node, got %d", len(bundle.Knowledge))
	}

	prompt := b.Render(bundle, testNow)
	for _, want := range []string{"## Current task", "Q3 revenue", "## Goal", "## Memory", "## Knowledge", "Revenue policy", "2026-03-14T09:30:00Z"} {
		if !strings.Contains(prompt.User, want) {
			t.Errorf("user prompt missing %q", want)
		}
	}
	if !strings.Contains(prompt.System, "You are analyst") || !strings.Contains(prompt.System, "update_task_status") {
		t.Errorf("system prompt missing persona or protocol")
	}
	if !strings.Contains(prompt.System, "list_tasks") {
		t.Error("registered tools not listed")
	}
}

func TestContextBuilderToleratesFailingSources(t *testing.T) {
	b := &ContextBuilder{Memory: failingMemory{}}
	a := &timeline.Agent{ID: "a1", Slug: "solo", Thinking: timeline.ThinkingState{CurrentGoal: "stay calm"}}
	bundle := b.Build(context.Background(), a, nil)
	if len(bundle.Memory) != 0 {
		t.Error("failed source must leave its section empty")
	}
	prompt := b.Render(bundle, testNow)
	if !strings.Contains(prompt.User, "No task assigned") || !strings.Contains(prompt.User, "stay calm") {
		t.Errorf("unexpected prompt %q", prompt.User)
	}
}

func TestRenderIncomingMessage(t *testing.T) {
	b := &ContextBuilder{Tools: tools.NewRegistry()}
	a := &timeline.Agent{ID: "a1", Slug: "bob", SystemPrompt: "You are Bob, the finance agent."}
	bundle := b.Build(context.Background(), a, nil)
	bundle.Incoming = &timeline.A2AMessage{ThreadID: "th-1", FromAgentID: "alice", Content: "What is the Q3 total?"}
	bundle.Thread = []timeline.A2AMessage{{FromAgentID: "alice", ToAgentID: "a1", Content: "Hi Bob"}}

	prompt := b.Render(bundle, testNow)
	if !strings.HasPrefix(prompt.System, "You are Bob, the finance agent.") {
		t.Errorf("custom system prompt not used: %q", prompt.System)
	}
	for _, want := range []string{"## Incoming agent message", "What is the Q3 total?", "## Thread history", "alice -> a1: Hi Bob"} {
		if !strings.Contains(prompt.User, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestTrimBundleOrder(t *testing.T) {
	b := &Bundle{
		Thoughts:        make([]timeline.AgentThought, 1),
		InProgressTasks: make([]timeline.Task, 1),
		PendingTasks:    make([]timeline.Task, 1),
		Memory:          make([]memory.Entry, 1),
		Knowledge:       make([]knowledge.Node, 1),
	}
	var emptied []string
	sections := func() map[string]int {
		return map[string]int{
			"knowledge": len(b.Knowledge), "memory": len(b.Memory), "pending": len(b.PendingTasks),
			"in_progress": len(b.InProgressTasks), "thoughts": len(b.Thoughts),
		}
	}
	before := sections()
	for trimBundle(b) {
		after := sections()
		for k, n := range after {
			if n < before[k] {
				emptied = append(emptied, k)
			}
		}
		before = after
	}
	want := []string{"knowledge", "memory", "pending", "in_progress", "thoughts"}
	if strings.Join(emptied, ",") != strings.Join(want, ",") {
		t.Errorf("trim order %v, want %v", emptied, want)
	}
}

func TestEstimateTokens(t *testing.T) {
	if estimateTokens("   ") != 0 {
		t.Error("blank text has no tokens")
	}
	if n := estimateTokens("abcdefgh"); n != 2 {
		t.Errorf("estimate %d, want 2", n)
	}
	if n := estimateTokens("ab"); n != 1 {
		t.Errorf("short text counts as one token, got %d", n)
	}
}
