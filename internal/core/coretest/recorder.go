// Package coretest provides test doubles for relay collaborators.
package coretest

import (
	"sync"

	"github.com/mistakeknot/supportline/internal/core"
)

// Delivery is one recorded push.
type Delivery struct {
	// Target is "visitor:<session>", "agent:<id>" or "agents".
	Target string
	Event  core.Event
}

// Recorder is a core.Notifier that records deliveries. Agents are online
// unless marked offline.
type Recorder struct {
	mu         sync.Mutex
	deliveries []Delivery
	offline    map[string]bool
}

func NewRecorder() *Recorder {
	return &Recorder{offline: make(map[string]bool)}
}

func (r *Recorder) SetOnline(agentID string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline[agentID] = !online
}

func (r *Recorder) NotifyVisitor(sessionID string, ev core.Event) {
	r.record("visitor:"+sessionID, ev)
}

func (r *Recorder) NotifyAgent(agentID string, ev core.Event) bool {
	r.mu.Lock()
	offline := r.offline[agentID]
	r.mu.Unlock()
	if offline {
		return false
	}
	r.record("agent:"+agentID, ev)
	return true
}

func (r *Recorder) NotifyAgents(ev core.Event) {
	r.record("agents", ev)
}

func (r *Recorder) record(target string, ev core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, Delivery{Target: target, Event: ev})
}

// Deliveries returns a copy of everything recorded so far.
func (r *Recorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Delivery, len(r.deliveries))
	copy(out, r.deliveries)
	return out
}

// For returns the events delivered to target, optionally filtered by type.
func (r *Recorder) For(target string, types ...core.EventType) []core.Event {
	want := make(map[core.EventType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []core.Event
	for _, d := range r.Deliveries() {
		if d.Target != target {
			continue
		}
		if len(want) > 0 && !want[d.Event.Type] {
			continue
		}
		out = append(out, d.Event)
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = nil
}
