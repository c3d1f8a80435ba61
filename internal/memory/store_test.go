package memory

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func setupMemoryDB(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	s, err := NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := setupMemoryDB(t)
	ctx := context.Background()

	for _, c := range []string{"one", "two", "three"} {
		if _, err := s.Append(ctx, Entry{AgentID: "a1", Content: c, Source: "run"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Append(ctx, Entry{AgentID: "a2", Content: "other"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Recent(ctx, "a1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Content != "three" || got[1].Content != "two" {
		t.Fatalf("unexpected recent entries: %+v", got)
	}
}

func TestAppendNeverOverwrites(t *testing.T) {
	s := setupMemoryDB(t)
	ctx := context.Background()

	_, _ = s.Append(ctx, Entry{AgentID: "a1", Content: "same", TaskID: "t1"})
	_, _ = s.Append(ctx, Entry{AgentID: "a1", Content: "same", TaskID: "t1"})

	got, _ := s.Recent(ctx, "a1", 10)
	if len(got) != 2 {
		t.Errorf("expected both entries kept, got %d", len(got))
	}
	if _, err := s.Append(ctx, Entry{AgentID: "a1", Content: "  "}); err == nil {
		t.Error("expected error for empty content")
	}
}

func TestSearch(t *testing.T) {
	s := setupMemoryDB(t)
	ctx := context.Background()
	_, _ = s.Append(ctx, Entry{AgentID: "a1", Content: "deployed billing service"})
	_, _ = s.Append(ctx, Entry{AgentID: "a1", Content: "wrote onboarding doc"})

	got, err := s.Search(ctx, "a1", "billing", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 match, got %d", len(got))
	}
}

func TestNilStoreIsSafe(t *testing.T) {
	var s *Store
	ctx := context.Background()
	if _, err := s.Append(ctx, Entry{AgentID: "a", Content: "x"}); err != nil {
		t.Errorf("nil store append: %v", err)
	}
	if got, err := s.Recent(ctx, "a", 3); err != nil || got != nil {
		t.Errorf("nil store recent: %v %v", got, err)
	}
	if s2, err := NewStore(nil); s2 != nil || err != nil {
		t.Errorf("expected nil store for nil db")
	}
}
