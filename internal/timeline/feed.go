package timeline

import (
	"database/sql"
	"fmt"
	"strings"
)

// CreateFeedItem appends a post to the agent feed.
func (s *TimelineService) CreateFeedItem(item *FeedItem) (*FeedItem, error) {
	if strings.TrimSpace(item.Content) == "" {
		return nil, fmt.Errorf("create feed item: content is required")
	}
	if item.ID == "" {
		item.ID = newID()
	}
	item.CreatedAt = s.stamp()
	_, err := s.db.Exec(`INSERT INTO feed_items (id, agent_id, owner_id, content, task_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, item.ID, item.AgentID, item.OwnerID, item.Content, item.TaskID, item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create feed item: %w", err)
	}
	return item, nil
}

// ListFeed returns the most recent feed items of an owner.
func (s *TimelineService) ListFeed(ownerID string, limit int) ([]FeedItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, agent_id, owner_id, content, COALESCE(task_id,''), created_at
		FROM feed_items WHERE owner_id = ? ORDER BY created_at DESC, id LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list feed: %w", err)
	}
	defer rows.Close()
	var out []FeedItem
	for rows.Next() {
		var f FeedItem
		if err := rows.Scan(&f.ID, &f.AgentID, &f.OwnerID, &f.Content, &f.TaskID, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// CreateSkill inserts a skill. Names are unique per owner.
func (s *TimelineService) CreateSkill(sk *Skill) (*Skill, error) {
	sk.Name = strings.TrimSpace(sk.Name)
	if sk.Name == "" || strings.TrimSpace(sk.Instructions) == "" {
		return nil, fmt.Errorf("create skill: name and instructions are required")
	}
	if sk.ID == "" {
		sk.ID = newID()
	}
	now := s.stamp()
	sk.Version = 1
	sk.CreatedAt, sk.UpdatedAt = now, now
	_, err := s.db.Exec(`INSERT INTO skills (id, owner_id, name, description, instructions, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)`, sk.ID, sk.OwnerID, sk.Name, sk.Description, sk.Instructions, now, now)
	if err != nil {
		return nil, fmt.Errorf("create skill: %w", err)
	}
	return sk, nil
}

// GetSkillByName returns an owner's skill by name.
func (s *TimelineService) GetSkillByName(ownerID, name string) (*Skill, error) {
	var sk Skill
	err := s.db.QueryRow(`SELECT id, owner_id, name, COALESCE(description,''), instructions, version, created_at, updated_at
		FROM skills WHERE owner_id = ? AND name = ?`, ownerID, strings.TrimSpace(name)).Scan(
		&sk.ID, &sk.OwnerID, &sk.Name, &sk.Description, &sk.Instructions, &sk.Version, &sk.CreatedAt, &sk.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("skill %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get skill: %w", err)
	}
	return &sk, nil
}

// UpdateSkill replaces the description and instructions of an owner's skill
// and bumps its version. Empty fields keep their current value.
func (s *TimelineService) UpdateSkill(ownerID, name, description, instructions string) (*Skill, error) {
	res, err := s.db.Exec(`UPDATE skills SET
		description = CASE WHEN ? != '' THEN ? ELSE description END,
		instructions = CASE WHEN ? != '' THEN ? ELSE instructions END,
		version = version + 1, updated_at = ?
		WHERE owner_id = ? AND name = ?`,
		description, description, instructions, instructions, s.stamp(), ownerID, strings.TrimSpace(name))
	if err != nil {
		return nil, fmt.Errorf("update skill: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("update skill %q: %w", name, ErrNotFound)
	}
	return s.GetSkillByName(ownerID, name)
}
