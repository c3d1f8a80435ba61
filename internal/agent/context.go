package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/KafClaw/taskclaw/internal/knowledge"
	"github.com/KafClaw/taskclaw/internal/memory"
	"github.com/KafClaw/taskclaw/internal/timeline"
	"github.com/KafClaw/taskclaw/internal/tools"
)

// ThoughtSource reads an agent's recent thoughts.
type ThoughtSource interface {
	RecentThoughts(agentID string, limit int) ([]timeline.AgentThought, error)
}

// TaskLister lists tasks.
type TaskLister interface {
	ListTasks(f timeline.TaskFilter) ([]timeline.Task, error)
}

// MemoryReader reads short-term memory.
type MemoryReader interface {
	Recent(ctx context.Context, agentID string, limit int) ([]memory.Entry, error)
}

// KnowledgeReader returns a relevance-ranked slice of the knowledge graph.
type KnowledgeReader interface {
	Slice(ctx context.Context, ownerID, query string, seeds, maxNodes int) ([]knowledge.Node, error)
}

// Bundle is the bounded context of one run.
type Bundle struct {
	Agent           *timeline.Agent
	Task            *timeline.Task
	Goal            string
	Thoughts        []timeline.AgentThought
	PendingTasks    []timeline.Task
	InProgressTasks []timeline.Task
	Memory          []memory.Entry
	Knowledge       []knowledge.Node
	// Thread and Incoming are set for A2A conversation runs.
	Thread   []timeline.A2AMessage
	Incoming *timeline.A2AMessage
}

// ContextLimits bound each section of a bundle.
type ContextLimits struct {
	Items       int
	Seeds       int
	MaxNodes    int
	TokenBudget int
}

// ContextBuilder assembles bundles. Every source is optional; a missing or
// failing source leaves its section empty.
type ContextBuilder struct {
	Thoughts  ThoughtSource
	Tasks     TaskLister
	Memory    MemoryReader
	Knowledge KnowledgeReader
	Tools     *tools.Registry
	Limits    ContextLimits
}

// Build assembles the bundle for agent and the optional task.
func (b *ContextBuilder) Build(ctx context.Context, agent *timeline.Agent, task *timeline.Task) *Bundle {
	limit := b.Limits.Items
	if limit <= 0 {
		limit = 10
	}
	bundle := &Bundle{Agent: agent, Task: task, Goal: agent.Thinking.CurrentGoal}

	if b.Thoughts != nil {
		thoughts, err := b.Thoughts.RecentThoughts(agent.ID, limit)
		if err != nil {
			slog.Warn("Context thoughts unavailable", "agent", agent.ID, "error", err)
		}
		bundle.Thoughts = thoughts
	}

	if b.Tasks != nil {
		pending, err := b.Tasks.ListTasks(timeline.TaskFilter{
			OwnerID:  agent.OwnerID,
			Statuses: []timeline.TaskStatus{timeline.TaskStatusPending},
			Limit:    limit * 3,
		})
		if err != nil {
			slog.Warn("Context pending tasks unavailable", "agent", agent.ID, "error", err)
		}
		for _, t := range pending {
			if t.AgentID != "" && t.AgentID != agent.ID {
				continue
			}
			if task != nil && t.ID == task.ID {
				continue
			}
			bundle.PendingTasks = append(bundle.PendingTasks, t)
			if len(bundle.PendingTasks) >= limit {
				break
			}
		}

		active, err := b.Tasks.ListTasks(timeline.TaskFilter{
			AgentID:  agent.ID,
			Statuses: []timeline.TaskStatus{timeline.TaskStatusInProgress},
			Limit:    limit + 1,
		})
		if err != nil {
			slog.Warn("Context in-progress tasks unavailable", "agent", agent.ID, "error", err)
		}
		for _, t := range active {
			if task != nil && t.ID == task.ID {
				continue
			}
			if len(bundle.InProgressTasks) < limit {
				bundle.InProgressTasks = append(bundle.InProgressTasks, t)
			}
		}
	}

	if b.Memory != nil {
		entries, err := b.Memory.Recent(ctx, agent.ID, limit)
		if err != nil {
			slog.Warn("Context memory unavailable", "agent", agent.ID, "error", err)
		}
		bundle.Memory = entries
	}

	if b.Knowledge != nil {
		query := bundle.Goal
		if task != nil {
			query = task.Title + " " + task.Description
		}
		if strings.TrimSpace(query) != "" {
			seeds, maxNodes := b.Limits.Seeds, b.Limits.MaxNodes
			if seeds <= 0 {
				seeds = 3
			}
			if maxNodes <= 0 {
				maxNodes = 8
			}
			nodes, err := b.Knowledge.Slice(ctx, agent.OwnerID, query, seeds, maxNodes)
			if err != nil {
				slog.Warn("Context knowledge unavailable", "agent", agent.ID, "error", err)
			}
			bundle.Knowledge = nodes
		}
	}
	return bundle
}

// Prompt is the rendered model input.
type Prompt struct {
	System string
	User   string
}

// Render turns the bundle into a prompt whose user part fits budget tokens.
// Sections are trimmed lowest priority first: knowledge, memory, tasks,
// thoughts. Zero budget means unbounded.
func (b *ContextBuilder) Render(bundle *Bundle, now time.Time) Prompt {
	system := systemPrompt(bundle.Agent, b.Tools)
	budget := b.Limits.TokenBudget
	for {
		user := renderUser(bundle, now)
		if budget <= 0 || CountTokens(user) <= budget || !trimBundle(bundle) {
			return Prompt{System: system, User: user}
		}
	}
}

// trimBundle drops one item from the lowest-priority non-empty section.
func trimBundle(b *Bundle) bool {
	switch {
	case len(b.Knowledge) > 0:
		b.Knowledge = b.Knowledge[:len(b.Knowledge)-1]
	case len(b.Memory) > 0:
		b.Memory = b.Memory[:len(b.Memory)-1]
	case len(b.PendingTasks) > 0:
		b.PendingTasks = b.PendingTasks[:len(b.PendingTasks)-1]
	case len(b.InProgressTasks) > 0:
		b.InProgressTasks = b.InProgressTasks[:len(b.InProgressTasks)-1]
	case len(b.Thoughts) > 0:
		b.Thoughts = b.Thoughts[:len(b.Thoughts)-1]
	default:
		return false
	}
	return true
}

func renderUser(b *Bundle, now time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Current time: %s\n\n", now.UTC().Format(time.RFC3339))

	switch {
	case b.Incoming != nil:
		sb.WriteString("## Incoming agent message\n")
		fmt.Fprintf(&sb, "Thread: %s\nFrom agent: %s\n\n%s\n\n", b.Incoming.ThreadID, b.Incoming.FromAgentID, b.Incoming.Content)
		if len(b.Thread) > 0 {
			sb.WriteString("## Thread history (oldest first)\n")
			for _, m := range b.Thread {
				fmt.Fprintf(&sb, "- %s -> %s: %s\n", orDash(m.FromAgentID), m.ToAgentID, truncateText(m.Content, 500))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("Reply to the message in \"reply\". Leave \"reply\" empty if no answer is needed.\n\n")
	case b.Task != nil:
		sb.WriteString("## Current task\n")
		fmt.Fprintf(&sb, "ID: %s\n", b.Task.ID)
		if b.Task.Title != "" {
			fmt.Fprintf(&sb, "Title: %s\n", b.Task.Title)
		}
		fmt.Fprintf(&sb, "Description:\n%s\n", b.Task.Description)
		if b.Task.TargetCompletionAt != nil {
			fmt.Fprintf(&sb, "Due: %s\n", b.Task.TargetCompletionAt.UTC().Format(time.RFC3339))
		}
		if b.Task.ExpectsResult {
			sb.WriteString("The owner expects a concrete result. Put the finished result in \"reply\" or complete the task with an outcome.\n")
		}
		sb.WriteString("\n")
	default:
		sb.WriteString("## No task assigned\nReflect on your goal and decide on next steps.\n\n")
	}

	if b.Goal != "" {
		fmt.Fprintf(&sb, "## Goal\n%s\n\n", b.Goal)
	}

	if len(b.Thoughts) > 0 {
		sb.WriteString("## Recent thoughts (newest first)\n")
		for _, th := range b.Thoughts {
			fmt.Fprintf(&sb, "- [%s] %s\n", th.Type, truncateText(th.Content, 300))
		}
		sb.WriteString("\n")
	}

	if len(b.InProgressTasks) > 0 {
		sb.WriteString("## Your other in-progress tasks\n")
		for _, t := range b.InProgressTasks {
			writeTaskLine(&sb, t)
		}
		sb.WriteString("\n")
	}
	if len(b.PendingTasks) > 0 {
		sb.WriteString("## Pending tasks on the board\n")
		for _, t := range b.PendingTasks {
			writeTaskLine(&sb, t)
		}
		sb.WriteString("\n")
	}

	if len(b.Memory) > 0 {
		sb.WriteString("## Memory (newest first)\n")
		for _, m := range b.Memory {
			fmt.Fprintf(&sb, "- %s\n", truncateText(m.Content, 300))
		}
		sb.WriteString("\n")
	}

	if len(b.Knowledge) > 0 {
		sb.WriteString("## Knowledge\n")
		for _, n := range b.Knowledge {
			fmt.Fprintf(&sb, "- [%s] %s (id: %s)", n.Type, n.Title, n.ID)
			if len(n.Tags) > 0 {
				fmt.Fprintf(&sb, " tags: %s", strings.Join(n.Tags, ", "))
			}
			if c := strings.TrimSpace(n.Content); c != "" {
				fmt.Fprintf(&sb, "\n  %s", truncateText(c, 400))
			}
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func writeTaskLine(sb *strings.Builder, t timeline.Task) {
	label := t.Title
	if label == "" {
		label = truncateText(t.Description, 120)
	}
	fmt.Fprintf(sb, "- %s (id: %s, status: %s)\n", label, t.ID, t.Status)
}

func systemPrompt(agent *timeline.Agent, registry *tools.Registry) string {
	var sb strings.Builder
	if p := strings.TrimSpace(agent.SystemPrompt); p != "" {
		sb.WriteString(p)
	} else {
		fmt.Fprintf(&sb, "You are %s, an autonomous agent working through a task board.", agentName(agent))
	}
	sb.WriteString("\n\n")
	sb.WriteString(responseProtocol)
	if registry != nil {
		if list := registry.List(); len(list) > 0 {
			sb.WriteString("\n\nTools available through call_tool:\n")
			for _, t := range list {
				fmt.Fprintf(&sb, "- %s (tier %d): %s\n", t.Name(), tools.ToolTier(t), t.Description())
			}
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

const responseProtocol = `Answer with a single JSON object and nothing else:
{"thinking": "<your private reasoning>", "reply": "<your answer or result>", "actions": [ ... ]}

Each action is an object with a "type" and its fields:
- {"type":"create_task","title":"...","description":"...","agent":"<slug, optional>","dueAt":"<RFC3339, optional>","expectsResult":false}
- {"type":"update_task_status","taskId":"<optional, defaults to current task>","status":"in_progress|completed|failed","outcome":"...","links":["..."]}
- {"type":"move_task","taskId":"...","agent":"<slug, optional>","board":"<optional>"}
- {"type":"create_subtask","parentTaskId":"<optional>","title":"...","description":"...","agent":"<slug, optional>"}
- {"type":"delegate_to_agent","agent":"<slug>","message":"..."}
- {"type":"create_feed_item","content":"..."}
- {"type":"create_skill","name":"...","description":"...","instructions":"..."}
- {"type":"update_skill","name":"...","description":"...","instructions":"..."}
- {"type":"generate_image","prompt":"...","taskId":"<optional>"}
- {"type":"generate_audio","text":"...","taskId":"<optional>"}
- {"type":"call_tool","tool":"<name>","arguments":{...}}
- {"type":"create_knowledge_node","title":"...","content":"...","nodeType":"note|fact|decision|reference|person|project","tags":["..."],"linkTo":["<node id>"]}
- {"type":"link_knowledge_nodes","from":"<node id>","to":"<node id>","relation":"..."}
- {"type":"send_email","to":["..."],"subject":"...","body":"...","taskId":"<optional>"}

If you finish the current task, either include update_task_status with status "completed" and the outcome, or put the result in "reply".`

func agentName(a *timeline.Agent) string {
	if a.Name != "" {
		return a.Name
	}
	return a.Slug
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncateText(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
