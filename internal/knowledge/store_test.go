package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T, r Ranker) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "knowledge.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := NewStore(db, r)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func mustNode(t *testing.T, s *Store, owner, title, content string, tags ...string) *Node {
	t.Helper()
	n, err := s.CreateNode(context.Background(), Node{OwnerID: owner, Title: title, Content: content, Tags: tags})
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestCreateAndLink(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	a := mustNode(t, s, "o", "Billing service", "Handles invoices")
	b := mustNode(t, s, "o", "Stripe", "Payment processor")

	if err := s.LinkNodes(ctx, Link{From: a.ID, To: b.ID, Relation: "depends_on"}); err != nil {
		t.Fatal(err)
	}
	if err := s.LinkNodes(ctx, Link{From: a.ID, To: b.ID, Relation: "depends_on"}); err != nil {
		t.Fatalf("relinking should be a no-op: %v", err)
	}
	if err := s.LinkNodes(ctx, Link{From: a.ID, To: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.LinkNodes(ctx, Link{From: a.ID, To: a.ID}); err == nil {
		t.Error("expected error for self link")
	}

	links, _ := s.Links(ctx, a.ID)
	if len(links) != 1 {
		t.Fatalf("expected 1 link, got %d", len(links))
	}
	back, _ := s.Neighbors(ctx, b.ID)
	if len(back) != 1 || back[0].ID != a.ID {
		t.Errorf("expected reverse neighbor, got %+v", back)
	}
}

func TestLexicalSearchRanksTitleMatches(t *testing.T) {
	s := newTestStore(t, nil)
	mustNode(t, s, "o", "Quarterly roadmap", "Plans for the billing migration")
	billing := mustNode(t, s, "o", "Billing", "Invoices and refunds", "billing", "finance")
	mustNode(t, s, "o", "Team offsite", "Agenda")
	mustNode(t, s, "other", "Billing secrets", "belongs to someone else")

	hits, err := s.Search(context.Background(), "o", "billing invoices", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Node.ID != billing.ID {
		t.Errorf("expected billing node first, got %q", hits[0].Node.Title)
	}
	for _, h := range hits {
		if h.Node.OwnerID != "o" {
			t.Errorf("search leaked node of owner %s", h.Node.OwnerID)
		}
	}
}

func TestSliceOneHopCapped(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	seed := mustNode(t, s, "o", "Kafka cluster", "brokers and topics")
	n1 := mustNode(t, s, "o", "Zookeeper", "coordination")
	n2 := mustNode(t, s, "o", "Schema registry", "avro")
	far := mustNode(t, s, "o", "Avro spec", "two hops away")
	_ = s.LinkNodes(ctx, Link{From: seed.ID, To: n1.ID})
	_ = s.LinkNodes(ctx, Link{From: n2.ID, To: seed.ID})
	_ = s.LinkNodes(ctx, Link{From: n2.ID, To: far.ID})

	slice, err := s.Slice(ctx, "o", "kafka", 1, 8)
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, n := range slice {
		ids[n.ID] = true
	}
	if len(slice) != 3 || !ids[seed.ID] || !ids[n1.ID] || !ids[n2.ID] {
		t.Fatalf("expected seed plus two neighbors, got %+v", slice)
	}
	if ids[far.ID] {
		t.Error("slice expanded beyond one hop")
	}

	capped, _ := s.Slice(ctx, "o", "kafka", 1, 2)
	if len(capped) != 2 || capped[0].ID != seed.ID {
		t.Errorf("expected cap of 2 starting with the seed, got %+v", capped)
	}
}

func TestSliceEmptyQuery(t *testing.T) {
	s := newTestStore(t, nil)
	mustNode(t, s, "o", "anything", "")
	got, err := s.Slice(context.Background(), "o", "   ", 3, 8)
	if err != nil || len(got) != 0 {
		t.Errorf("expected empty slice, got %v %v", got, err)
	}
}

// hashEmbedder is a bag-of-words embedder for tests.
type hashEmbedder struct{ fail bool }

func (h hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if h.fail {
		return nil, errors.New("embedder down")
	}
	vec := make([]float32, 32)
	vec[0] = 0.01
	for _, tok := range tokenize(text) {
		f := fnv.New32a()
		_, _ = f.Write([]byte(tok))
		vec[1+int(f.Sum32()%31)] += 1
	}
	return vec, nil
}

func TestSemanticRanker(t *testing.T) {
	r, err := NewSemanticRanker(hashEmbedder{})
	if err != nil {
		t.Fatal(err)
	}
	s := newTestStore(t, r)
	target := mustNode(t, s, "o", "Postgres tuning", "vacuum autovacuum indexes")
	mustNode(t, s, "o", "Lunch menu", "pasta salad soup")

	hits, err := s.Search(context.Background(), "o", "postgres vacuum", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Node.ID != target.ID {
		t.Fatalf("expected postgres node, got %+v", hits)
	}
}

func TestSemanticRankerFallsBackToLexical(t *testing.T) {
	r, err := NewSemanticRanker(hashEmbedder{fail: true})
	if err != nil {
		t.Fatal(err)
	}
	s := newTestStore(t, r)
	target := mustNode(t, s, "o", "Incident runbook", "pager escalation")

	hits, err := s.Search(context.Background(), "o", "runbook", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Node.ID != target.ID {
		t.Fatalf("expected lexical fallback hit, got %+v", hits)
	}
}
