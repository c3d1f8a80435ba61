package timeline

import (
	"encoding/json"
	"fmt"
)

// AddThought appends a thought for an agent.
func (s *TimelineService) AddThought(th *AgentThought) (*AgentThought, error) {
	if !th.Type.Valid() {
		return nil, fmt.Errorf("add thought: unknown type %q", th.Type)
	}
	if th.CreatedAt.IsZero() {
		th.CreatedAt = s.stamp()
	}
	meta := ""
	if len(th.Metadata) > 0 {
		meta = marshalJSON(th.Metadata)
	}
	res, err := s.db.Exec(`INSERT INTO agent_thoughts (agent_id, type, content, context, related_task_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		th.AgentID, string(th.Type), th.Content, th.Context, th.RelatedTaskID, meta, th.CreatedAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("add thought: %w", err)
	}
	th.ID, _ = res.LastInsertId()
	return th, nil
}

// RecentThoughts returns up to limit most recent thoughts, newest first.
func (s *TimelineService) RecentThoughts(agentID string, limit int) ([]AgentThought, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`SELECT id, agent_id, type, content, COALESCE(context,''), COALESCE(related_task_id,''),
		COALESCE(metadata,''), created_at
		FROM agent_thoughts WHERE agent_id = ? ORDER BY id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent thoughts: %w", err)
	}
	defer rows.Close()

	var out []AgentThought
	for rows.Next() {
		var th AgentThought
		var typ, meta string
		if err := rows.Scan(&th.ID, &th.AgentID, &typ, &th.Content, &th.Context, &th.RelatedTaskID, &meta, &th.CreatedAt); err != nil {
			return nil, err
		}
		th.Type = ThoughtType(typ)
		if meta != "" {
			_ = json.Unmarshal([]byte(meta), &th.Metadata)
		}
		out = append(out, th)
	}
	return out, rows.Err()
}

// PruneThoughts keeps only the keep most recent thoughts per agent and
// returns the number of rows removed.
func (s *TimelineService) PruneThoughts(keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.Exec(`DELETE FROM agent_thoughts WHERE id IN (
		SELECT id FROM (
			SELECT id, ROW_NUMBER() OVER (PARTITION BY agent_id ORDER BY id DESC) AS rn
			FROM agent_thoughts
		) WHERE rn > ?
	)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune thoughts: %w", err)
	}
	return res.RowsAffected()
}
