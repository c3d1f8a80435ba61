package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/KafClaw/taskclaw/internal/agent"
)

// ErrAgentBusy is returned when a run is requested for an agent that
// already has one in flight.
var ErrAgentBusy = agent.ErrAgentBusy

type lease struct {
	since time.Time
	token uint64
}

// AgentLocks is a keyed lease: at most one holder per agent ID. A lease
// older than ttl is treated as abandoned and may be taken over. Each lease
// carries a token so a holder that lost its lease cannot release the next one.
type AgentLocks struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	next uint64
	held map[string]lease
}

// NewAgentLocks creates an empty lock table. ttl <= 0 disables expiry.
func NewAgentLocks(ttl time.Duration) *AgentLocks {
	return &AgentLocks{ttl: ttl, now: time.Now, held: make(map[string]lease)}
}

// TryLock takes the lease for agentID without blocking. The token must be
// passed back to Unlock.
func (l *AgentLocks) TryLock(agentID string) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.held[agentID]; ok {
		if l.ttl <= 0 || now.Sub(cur.since) < l.ttl {
			return 0, false
		}
	}
	l.next++
	l.held[agentID] = lease{since: now, token: l.next}
	return l.next, true
}

// Unlock releases the lease for agentID if token still owns it.
func (l *AgentLocks) Unlock(agentID string, token uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[agentID]; ok && cur.token == token {
		delete(l.held, agentID)
	}
}

// Held returns the agent IDs currently leased, sorted.
func (l *AgentLocks) Held() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.held))
	for id := range l.held {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
