package timeline

import (
	"fmt"
	"strings"
)

// AppendA2AMessage adds a message to its thread. Sequence numbers are
// assigned inside the insert so history order is stable.
func (s *TimelineService) AppendA2AMessage(m *A2AMessage) (*A2AMessage, error) {
	if strings.TrimSpace(m.ThreadID) == "" {
		return nil, fmt.Errorf("append a2a message: thread id is required")
	}
	if m.ID == "" {
		m.ID = newID()
	}
	if m.Direction == "" {
		m.Direction = DirectionInbound
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.stamp()
	}
	_, err := s.db.Exec(`INSERT INTO a2a_messages (id, thread_id, from_agent_id, to_agent_id, content,
		direction, automatic, human_authored, task_id, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM a2a_messages WHERE thread_id = ?), ?)`,
		m.ID, m.ThreadID, m.FromAgentID, m.ToAgentID, m.Content,
		m.Direction, m.Automatic, m.HumanAuthored, m.TaskID, m.ThreadID, m.CreatedAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("append a2a message: %w", err)
	}
	return m, nil
}

// ThreadMessages returns the thread history, oldest first.
func (s *TimelineService) ThreadMessages(threadID string) ([]A2AMessage, error) {
	rows, err := s.db.Query(`SELECT id, thread_id, COALESCE(from_agent_id,''), to_agent_id, content, direction,
		COALESCE(automatic,0), COALESCE(human_authored,0), COALESCE(task_id,''), created_at
		FROM a2a_messages WHERE thread_id = ? ORDER BY seq`, threadID)
	if err != nil {
		return nil, fmt.Errorf("thread messages: %w", err)
	}
	defer rows.Close()
	var out []A2AMessage
	for rows.Next() {
		var m A2AMessage
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.FromAgentID, &m.ToAgentID, &m.Content, &m.Direction,
			&m.Automatic, &m.HumanAuthored, &m.TaskID, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AutoReplyHops counts automatic replies in the thread since the most recent
// human-authored message.
func (s *TimelineService) AutoReplyHops(threadID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM a2a_messages
		WHERE thread_id = ? AND automatic = 1
		AND seq > COALESCE((SELECT MAX(seq) FROM a2a_messages WHERE thread_id = ? AND human_authored = 1), 0)`,
		threadID, threadID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("auto reply hops: %w", err)
	}
	return n, nil
}
