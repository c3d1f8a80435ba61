// Package memory provides the agents' short-term memory: an append-only log
// of run summaries that later runs read back as context.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Schema is the DDL for the memory table. NewStore applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS memory_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT NOT NULL,
	content TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_agent ON memory_entries(agent_id, id);
`

// Entry is one short-term memory record.
type Entry struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agentId"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	TaskID    string    `json:"taskId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is an append-only memory log backed by the given database.
type Store struct {
	db *sql.DB
}

// NewStore creates the store and its table. Returns nil, nil if db is nil
// (callers must handle a nil store gracefully).
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, nil
	}
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("apply memory schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Append adds an entry. Existing entries are never overwritten.
func (s *Store) Append(ctx context.Context, e Entry) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	if strings.TrimSpace(e.Content) == "" {
		return 0, fmt.Errorf("append memory: content is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_entries (agent_id, content, source, task_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.AgentID, e.Content, e.Source, e.TaskID, e.CreatedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("append memory: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit entries for the agent, newest first.
func (s *Store) Recent(ctx context.Context, agentID string, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, content, source, task_id, created_at
		 FROM memory_entries WHERE agent_id = ? ORDER BY id DESC LIMIT ?`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent memory: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Content, &e.Source, &e.TaskID, &e.CreatedAt); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Search returns the agent's entries containing query, newest first.
func (s *Store) Search(ctx context.Context, agentID, query string, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, content, source, task_id, created_at
		 FROM memory_entries WHERE agent_id = ? AND content LIKE ? ORDER BY id DESC LIMIT ?`,
		agentID, "%"+query+"%", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Content, &e.Source, &e.TaskID, &e.CreatedAt); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
