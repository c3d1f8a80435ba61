package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/KafClaw/taskclaw/internal/timeline"
)

// ListTasksTool lists the caller owner's tasks, optionally by status.
type ListTasksTool struct {
	timeline *timeline.TimelineService
}

func NewListTasksTool(tl *timeline.TimelineService) *ListTasksTool {
	return &ListTasksTool{timeline: tl}
}

func (t *ListTasksTool) Name() string { return "list_tasks" }
func (t *ListTasksTool) Description() string {
	return "List tasks on your owner's board. Optionally filter by status (pending, in_progress, completed, failed) or only tasks assigned to you."
}
func (t *ListTasksTool) Tier() int { return TierReadOnly }

func (t *ListTasksTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"status": map[string]any{
				"type":        "string",
				"description": "Filter by status",
			},
			"mine": map[string]any{
				"type":        "boolean",
				"description": "Only tasks assigned to you",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of tasks (default: 20)",
			},
		},
	}
}

func (t *ListTasksTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	caller, ok := CallerFrom(ctx)
	if !ok {
		return "", fmt.Errorf("list_tasks: no calling agent")
	}
	f := timeline.TaskFilter{
		OwnerID: caller.OwnerID,
		Limit:   GetInt(params, "limit", 20),
	}
	if s := strings.TrimSpace(GetString(params, "status", "")); s != "" {
		f.Statuses = []timeline.TaskStatus{timeline.TaskStatus(s)}
	}
	if GetBool(params, "mine", false) {
		f.AgentID = caller.AgentID
	}

	tasks, err := t.timeline.ListTasks(f)
	if err != nil {
		return fmt.Sprintf("Error listing tasks: %v", err), nil
	}
	if len(tasks) == 0 {
		return "No tasks found.", nil
	}
	var sb strings.Builder
	for _, task := range tasks {
		label := task.Title
		if label == "" {
			label = truncate(task.Description, 80)
		}
		sb.WriteString(fmt.Sprintf("- [%s] %s (id: %s", task.Status, label, task.ID))
		if task.AgentID != "" {
			sb.WriteString(", agent: " + task.AgentID)
		}
		sb.WriteString(")\n")
	}
	return sb.String(), nil
}
