package knowledge

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/philippgille/chromem-go"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SemanticRanker ranks nodes by embedding similarity using an in-memory
// chromem collection. Nodes are embedded lazily the first time they are
// ranked and re-embedded when their text changes.
type SemanticRanker struct {
	collection *chromem.Collection
	mu         sync.Mutex
	indexed    map[string]string
	fallback   Ranker
}

// NewSemanticRanker creates a ranker backed by embedder. Embedding failures
// fall back to lexical ranking.
func NewSemanticRanker(embedder Embedder) (*SemanticRanker, error) {
	if embedder == nil {
		return nil, fmt.Errorf("semantic ranker: nil embedder")
	}
	db := chromem.NewDB()
	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	collection, err := db.GetOrCreateCollection("knowledge", nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &SemanticRanker{
		collection: collection,
		indexed:    make(map[string]string),
		fallback:   LexicalRanker{},
	}, nil
}

func (r *SemanticRanker) Rank(ctx context.Context, query string, nodes []Node, limit int) ([]Scored, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	if err := r.index(ctx, nodes); err != nil {
		return r.fallback.Rank(ctx, query, nodes, limit)
	}

	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	results, err := r.collection.Query(ctx, query, r.collection.Count(), nil, nil)
	if err != nil {
		return r.fallback.Rank(ctx, query, nodes, limit)
	}

	var hits []Scored
	for _, res := range results {
		n, ok := byID[res.ID]
		if !ok || res.Similarity <= 0 {
			continue
		}
		hits = append(hits, Scored{Node: n, Score: float64(res.Similarity)})
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (r *SemanticRanker) index(ctx context.Context, nodes []Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range nodes {
		text := n.Text()
		if r.indexed[n.ID] == text {
			continue
		}
		if _, ok := r.indexed[n.ID]; ok {
			if err := r.collection.Delete(ctx, nil, nil, n.ID); err != nil {
				return fmt.Errorf("reindex %s: %w", n.ID, err)
			}
		}
		err := r.collection.AddDocument(ctx, chromem.Document{
			ID:       n.ID,
			Content:  text,
			Metadata: map[string]string{"owner_id": n.OwnerID, "type": n.Type},
		})
		if err != nil {
			return fmt.Errorf("add document %s: %w", n.ID, err)
		}
		r.indexed[n.ID] = text
	}
	return nil
}
