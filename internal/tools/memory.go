package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/KafClaw/taskclaw/internal/knowledge"
	"github.com/KafClaw/taskclaw/internal/memory"
)

// RememberTool appends a note to the calling agent's short-term memory.
type RememberTool struct {
	store *memory.Store
}

func NewRememberTool(store *memory.Store) *RememberTool {
	return &RememberTool{store: store}
}

func (t *RememberTool) Name() string { return "remember" }
func (t *RememberTool) Description() string {
	return "Store a note in your short-term memory so later runs can see it."
}
func (t *RememberTool) Tier() int { return TierWrite }

func (t *RememberTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{
				"type":        "string",
				"description": "The information to remember",
			},
		},
		"required": []string{"content"},
	}
}

func (t *RememberTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	content := strings.TrimSpace(GetString(params, "content", ""))
	if content == "" {
		return "Error: content is required", nil
	}
	caller, ok := CallerFrom(ctx)
	if !ok || caller.AgentID == "" {
		return "", fmt.Errorf("remember: no calling agent")
	}
	if t.store == nil {
		return "Memory system not available.", nil
	}

	id, err := t.store.Append(ctx, memory.Entry{
		AgentID: caller.AgentID,
		Content: content,
		Source:  "tool:remember",
		TaskID:  caller.TaskID,
	})
	if err != nil {
		return fmt.Sprintf("Error storing memory: %v", err), nil
	}
	return fmt.Sprintf("Remembered: %q (id: %d)", truncate(content, 80), id), nil
}

// RecallTool searches the owner's knowledge graph.
type RecallTool struct {
	store *knowledge.Store
}

func NewRecallTool(store *knowledge.Store) *RecallTool {
	return &RecallTool{store: store}
}

func (t *RecallTool) Name() string { return "recall" }
func (t *RecallTool) Description() string {
	return "Search the knowledge graph for nodes relevant to a query. Returns the best matches with their ids."
}
func (t *RecallTool) Tier() int { return TierReadOnly }

func (t *RecallTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of results (default: 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *RecallTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	query := GetString(params, "query", "")
	limit := GetInt(params, "limit", 5)
	if query == "" {
		return "Error: query is required", nil
	}
	caller, _ := CallerFrom(ctx)
	if t.store == nil {
		return "Knowledge graph not available.", nil
	}

	hits, err := t.store.Search(ctx, caller.OwnerID, query, limit)
	if err != nil {
		return fmt.Sprintf("Error searching knowledge: %v", err), nil
	}
	if len(hits) == 0 {
		return "No relevant knowledge found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d relevant nodes:\n\n", len(hits)))
	for i, h := range hits {
		sb.WriteString(fmt.Sprintf("%d. [id=%s, type=%s, score=%.2f] %s: %s\n",
			i+1, h.Node.ID, h.Node.Type, h.Score, h.Node.Title, truncate(h.Node.Content, 200)))
	}
	return sb.String(), nil
}
