package client

import (
	"sort"

	"github.com/mistakeknot/supportline/internal/core"
)

type EntryState int

const (
	// Provisional entries are local copies awaiting the relay's answer.
	Provisional EntryState = iota
	Confirmed
)

// Entry is one line of a conversation as the UI shows it.
type Entry struct {
	State   EntryState
	Key     string
	Content string
	// Message is set once confirmed.
	Message core.Message
}

// Timeline reconciles optimistic sends with authoritative messages. A
// provisional entry is replaced in place by the message carrying its
// idempotency key; confirmed entries are kept in sequence order. It is not
// safe for concurrent use.
type Timeline struct {
	entries []Entry
}

func NewTimeline() *Timeline {
	return &Timeline{}
}

// Entries returns a copy of the current entries.
func (t *Timeline) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Provisional appends a local entry for a send in flight.
func (t *Timeline) Provisional(key, content string) {
	t.entries = append(t.entries, Entry{State: Provisional, Key: key, Content: content})
}

// Apply merges an authoritative message. It reports false when the message
// was already present.
func (t *Timeline) Apply(msg core.Message) bool {
	for _, e := range t.entries {
		if e.State == Confirmed && e.Message.ID == msg.ID {
			return false
		}
	}
	confirmed := Entry{State: Confirmed, Key: msg.IdempotencyKey, Content: msg.Content, Message: msg}
	if i := t.provisional(msg.IdempotencyKey); i >= 0 {
		t.entries[i] = confirmed
	} else {
		t.entries = append(t.entries, confirmed)
	}
	t.order()
	return true
}

// Drop removes the provisional entry for key after a failed send.
func (t *Timeline) Drop(key string) (Entry, bool) {
	i := t.provisional(key)
	if i < 0 {
		return Entry{}, false
	}
	e := t.entries[i]
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	return e, true
}

// Reset replaces confirmed history with an authoritative transcript.
// Provisional entries the transcript does not answer stay at the tail.
func (t *Timeline) Reset(msgs []core.Message) {
	keys := make(map[string]bool, len(msgs))
	next := make([]Entry, 0, len(msgs)+len(t.entries))
	for _, m := range msgs {
		if m.IdempotencyKey != "" {
			keys[m.IdempotencyKey] = true
		}
		next = append(next, Entry{State: Confirmed, Key: m.IdempotencyKey, Content: m.Content, Message: m})
	}
	sort.SliceStable(next, func(i, j int) bool { return next[i].Message.Seq < next[j].Message.Seq })
	for _, e := range t.entries {
		if e.State == Provisional && !keys[e.Key] {
			next = append(next, e)
		}
	}
	t.entries = next
}

// Lookup returns the confirmed message sent with key.
func (t *Timeline) Lookup(key string) (core.Message, bool) {
	if key == "" {
		return core.Message{}, false
	}
	for _, e := range t.entries {
		if e.State == Confirmed && e.Message.IdempotencyKey == key {
			return e.Message, true
		}
	}
	return core.Message{}, false
}

// LastSeq is the highest confirmed sequence number.
func (t *Timeline) LastSeq() uint64 {
	var last uint64
	for _, e := range t.entries {
		if e.State == Confirmed && e.Message.Seq > last {
			last = e.Message.Seq
		}
	}
	return last
}

func (t *Timeline) provisional(key string) int {
	if key == "" {
		return -1
	}
	for i, e := range t.entries {
		if e.State == Provisional && e.Key == key {
			return i
		}
	}
	return -1
}

// order sorts confirmed entries by sequence within the slots they occupy,
// leaving provisional entries where they are.
func (t *Timeline) order() {
	var slots []int
	var msgs []Entry
	for i, e := range t.entries {
		if e.State == Confirmed {
			slots = append(slots, i)
			msgs = append(msgs, e)
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Message.Seq < msgs[j].Message.Seq })
	for i, slot := range slots {
		t.entries[slot] = msgs[i]
	}
}
