package lock

import (
	"sync"

	"github.com/mistakeknot/supportline/internal/core"
)

const maxPendingPerAgent = 64

// pendingNotices holds dispossession notices for agents that were offline
// when they lost a lock. They are delivered on the agent's next connect or
// heartbeat.
type pendingNotices struct {
	mu      sync.Mutex
	byAgent map[string][]core.Event
}

func newPendingNotices() *pendingNotices {
	return &pendingNotices{byAgent: make(map[string][]core.Event)}
}

func (p *pendingNotices) push(agentID string, ev core.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := append(p.byAgent[agentID], ev)
	if len(q) > maxPendingPerAgent {
		q = q[len(q)-maxPendingPerAgent:]
	}
	p.byAgent[agentID] = q
}

func (p *pendingNotices) take(agentID string) []core.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.byAgent[agentID]
	delete(p.byAgent, agentID)
	return q
}

func (p *pendingNotices) len(agentID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byAgent[agentID])
}
