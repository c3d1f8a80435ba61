// Package knowledge stores the agents' knowledge graph: tagged nodes with
// directed links, relevance search and one-hop traversal.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Common node types. Type is free-form; these are what agents are prompted with.
const (
	TypeNote      = "note"
	TypeFact      = "fact"
	TypeDecision  = "decision"
	TypeReference = "reference"
	TypePerson    = "person"
	TypeProject   = "project"
)

// ErrNotFound is returned when a node does not exist.
var ErrNotFound = errors.New("knowledge node not found")

const Schema = `
CREATE TABLE IF NOT EXISTS knowledge_nodes (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT 'note',
	title TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '[]',
	created_by TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_knowledge_owner ON knowledge_nodes(owner_id);

CREATE TABLE IF NOT EXISTS knowledge_links (
	from_id TEXT NOT NULL,
	to_id TEXT NOT NULL,
	relation TEXT NOT NULL DEFAULT 'related',
	created_at DATETIME NOT NULL,
	PRIMARY KEY (from_id, to_id, relation)
);
CREATE INDEX IF NOT EXISTS idx_knowledge_links_to ON knowledge_links(to_id);
`

// Node is a typed, tagged piece of knowledge.
type Node struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Text is the searchable representation of a node.
func (n Node) Text() string {
	return n.Title + "\n" + strings.Join(n.Tags, " ") + "\n" + n.Content
}

// Link is a directed edge between two nodes.
type Link struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Relation string `json:"relation"`
}

// Scored is a search hit.
type Scored struct {
	Node  Node    `json:"node"`
	Score float64 `json:"score"`
}

// Store persists the graph in SQLite and ranks nodes with a pluggable Ranker.
type Store struct {
	db     *sql.DB
	ranker Ranker
}

// NewStore applies the schema and returns a store ranking with r.
// A nil ranker falls back to lexical BM25.
func NewStore(db *sql.DB, r Ranker) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("knowledge store: nil db")
	}
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("apply knowledge schema: %w", err)
	}
	if r == nil {
		r = LexicalRanker{}
	}
	return &Store{db: db, ranker: r}, nil
}

// CreateNode inserts a node. ID is generated if empty.
func (s *Store) CreateNode(ctx context.Context, n Node) (*Node, error) {
	n.Title = strings.TrimSpace(n.Title)
	if n.Title == "" {
		return nil, fmt.Errorf("create knowledge node: title is required")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Type == "" {
		n.Type = TypeNote
	}
	if n.Tags == nil {
		n.Tags = []string{}
	}
	n.CreatedAt = time.Now().UTC()
	tags, _ := json.Marshal(n.Tags)
	_, err := s.db.ExecContext(ctx, `INSERT INTO knowledge_nodes (id, owner_id, type, title, content, tags, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.OwnerID, n.Type, n.Title, n.Content, string(tags), n.CreatedBy, n.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create knowledge node: %w", err)
	}
	return &n, nil
}

// LinkNodes adds a directed link. Linking an existing pair again is a no-op.
func (s *Store) LinkNodes(ctx context.Context, l Link) error {
	if l.From == "" || l.To == "" {
		return fmt.Errorf("link knowledge nodes: both ends are required")
	}
	if l.From == l.To {
		return fmt.Errorf("link knowledge nodes: self link on %s", l.From)
	}
	if l.Relation == "" {
		l.Relation = "related"
	}
	for _, id := range []string{l.From, l.To} {
		if _, err := s.GetNode(ctx, id); err != nil {
			return fmt.Errorf("link knowledge nodes: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO knowledge_links (from_id, to_id, relation, created_at)
		VALUES (?, ?, ?, ?)`, l.From, l.To, l.Relation, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("link knowledge nodes: %w", err)
	}
	return nil
}

const nodeColumns = `id, owner_id, type, title, content, tags, created_by, created_at`

func scanNode(row interface{ Scan(...any) error }) (*Node, error) {
	var n Node
	var tags string
	if err := row.Scan(&n.ID, &n.OwnerID, &n.Type, &n.Title, &n.Content, &tags, &n.CreatedBy, &n.CreatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(tags), &n.Tags)
	return &n, nil
}

// GetNode returns a node by id.
func (s *Store) GetNode(ctx context.Context, id string) (*Node, error) {
	n, err := scanNode(s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM knowledge_nodes WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get knowledge node: %w", err)
	}
	return n, nil
}

// Nodes returns all nodes of an owner.
func (s *Store) Nodes(ctx context.Context, ownerID string) ([]Node, error) {
	return s.queryNodes(ctx, `SELECT `+nodeColumns+` FROM knowledge_nodes WHERE owner_id = ? ORDER BY created_at, id`, ownerID)
}

// Neighbors returns the nodes directly linked to id in either direction.
func (s *Store) Neighbors(ctx context.Context, id string) ([]Node, error) {
	return s.queryNodes(ctx, `SELECT `+nodeColumns+` FROM knowledge_nodes WHERE id IN (
		SELECT to_id FROM knowledge_links WHERE from_id = ?
		UNION
		SELECT from_id FROM knowledge_links WHERE to_id = ?
	) ORDER BY created_at, id`, id, id)
}

// Links returns the outgoing links of a node.
func (s *Store) Links(ctx context.Context, id string) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT from_id, to_id, relation FROM knowledge_links WHERE from_id = ? ORDER BY to_id`, id)
	if err != nil {
		return nil, fmt.Errorf("knowledge links: %w", err)
	}
	defer rows.Close()
	var out []Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.From, &l.To, &l.Relation); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) queryNodes(ctx context.Context, query string, args ...any) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query knowledge nodes: %w", err)
	}
	defer rows.Close()
	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan knowledge node: %w", err)
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// Search ranks the owner's nodes against query.
func (s *Store) Search(ctx context.Context, ownerID, query string, limit int) ([]Scored, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	nodes, err := s.Nodes(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return s.ranker.Rank(ctx, query, nodes, limit)
}

// Slice returns up to maxNodes nodes: the best seeds matches for query
// followed by their one-hop neighbors, without duplicates.
func (s *Store) Slice(ctx context.Context, ownerID, query string, seeds, maxNodes int) ([]Node, error) {
	if maxNodes <= 0 {
		return nil, nil
	}
	if seeds <= 0 || seeds > maxNodes {
		seeds = maxNodes
	}
	hits, err := s.Search(ctx, ownerID, query, seeds)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []Node
	add := func(n Node) bool {
		if seen[n.ID] {
			return true
		}
		if len(out) >= maxNodes {
			return false
		}
		seen[n.ID] = true
		out = append(out, n)
		return true
	}
	for _, h := range hits {
		add(h.Node)
	}
	for _, h := range hits {
		neighbors, err := s.Neighbors(ctx, h.Node.ID)
		if err != nil {
			return out, err
		}
		for _, n := range neighbors {
			if n.OwnerID != ownerID {
				continue
			}
			if !add(n) {
				return out, nil
			}
		}
	}
	return out, nil
}
