package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestAgentLocksKeyed(t *testing.T) {
	l := NewAgentLocks(0)
	tok, ok := l.TryLock("a")
	if !ok {
		t.Fatal("first lock should succeed")
	}
	if _, ok := l.TryLock("a"); ok {
		t.Error("second lock on the same agent should fail")
	}
	if _, ok := l.TryLock("b"); !ok {
		t.Error("locks are per agent")
	}
	l.Unlock("a", tok)
	if _, ok := l.TryLock("a"); !ok {
		t.Error("lock should be free after Unlock")
	}
}

func TestAgentLocksLeaseExpires(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	l := NewAgentLocks(30 * time.Minute)
	l.now = func() time.Time { return now }

	l.TryLock("a")
	now = now.Add(29 * time.Minute)
	if _, ok := l.TryLock("a"); ok {
		t.Error("lease should still be held")
	}
	now = now.Add(2 * time.Minute)
	if _, ok := l.TryLock("a"); !ok {
		t.Error("an expired lease should be taken over")
	}
}

func TestAgentLocksStaleHolderCannotReleaseTakeover(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	l := NewAgentLocks(30 * time.Minute)
	l.now = func() time.Time { return now }

	first, _ := l.TryLock("a")
	now = now.Add(31 * time.Minute)
	second, ok := l.TryLock("a")
	if !ok || second == first {
		t.Fatalf("takeover should hand out a new lease, ok=%v", ok)
	}

	// The original holder finally returns and releases what it thinks it holds.
	l.Unlock("a", first)
	if _, ok := l.TryLock("a"); ok {
		t.Fatal("stale Unlock released the new holder's lease")
	}
	if held := l.Held(); len(held) != 1 || held[0] != "a" {
		t.Errorf("expected a still leased, got %v", held)
	}
	l.Unlock("a", second)
	if _, ok := l.TryLock("a"); !ok {
		t.Error("the current holder's Unlock should free the lease")
	}
}

func TestSemaphoreAcquireHonoursContext(t *testing.T) {
	s := NewSemaphore(1)
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Available() != 0 || s.TryAcquire() {
		t.Fatal("semaphore should be full")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx); err == nil {
		t.Error("Acquire should give up when the context ends")
	}
	s.Release()
	if s.Available() != 1 || s.Cap() != 1 {
		t.Errorf("unexpected state avail=%d cap=%d", s.Available(), s.Cap())
	}
}
