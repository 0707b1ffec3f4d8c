package core

import "time"

type EventType string

// Relay -> client push events.
const (
	EventSessionInit  EventType = "session:init"
	EventMessage      EventType = "message"
	EventLockUpdate   EventType = "lock:update"
	EventLockTakeover EventType = "lock:takeover"
	EventLockExpired  EventType = "lock:expired"
	EventListUpdate   EventType = "list:update"
	EventClosed       EventType = "closed"
	EventTyping       EventType = "typing"
	EventError        EventType = "error"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusOpen   Status = "open"
	StatusLocked Status = "locked"
	StatusClosed Status = "closed"
)

// Role identifies which side of a conversation a participant is on.
type Role string

const (
	RoleVisitor Role = "visitor"
	RoleAgent   Role = "agent"
	RoleSystem  Role = "system"
)

// Participant is the verified identity bound to one connection.
type Participant struct {
	Role Role   `json:"role"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	// Email is optional visitor contact info from the handshake.
	Email string `json:"email,omitempty"`
	// AgentRole is the privilege role carried by an agent credential.
	AgentRole string `json:"agent_role,omitempty"`
}

func (p Participant) IsAgent() bool   { return p.Role == RoleAgent }
func (p Participant) IsVisitor() bool { return p.Role == RoleVisitor }

// Conversation is one support interaction between a visitor session and at
// most one agent at a time.
type Conversation struct {
	ID               string    `json:"id"`
	VisitorSessionID string    `json:"visitor_session_id"`
	VisitorName      string    `json:"visitor_name,omitempty"`
	VisitorEmail     string    `json:"visitor_email,omitempty"`
	Status           Status    `json:"status"`
	Holder           string    `json:"holder,omitempty"`
	LockedAt         time.Time `json:"locked_at,omitempty"`
	LastHeartbeat    time.Time `json:"last_heartbeat,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivity     time.Time `json:"last_activity"`
	LastSeq          uint64    `json:"last_seq"`
}

// Lock projects the lock columns of a locked conversation.
func (c Conversation) Lock() (Lock, bool) {
	if c.Status != StatusLocked || c.Holder == "" {
		return Lock{}, false
	}
	return Lock{
		ConversationID: c.ID,
		AgentID:        c.Holder,
		AcquiredAt:     c.LockedAt,
		LastHeartbeat:  c.LastHeartbeat,
	}, true
}

// Lock is the exclusive write claim an agent holds on a conversation.
type Lock struct {
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id"`
	AcquiredAt     time.Time `json:"acquired_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}

// Valid reports whether the lock is still live at now for the given expiry window.
func (l Lock) Valid(now time.Time, expiry time.Duration) bool {
	return now.Sub(l.LastHeartbeat) < expiry
}

// Message is one immutable unit of conversation content.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderRole     Role      `json:"sender_role"`
	SenderID       string    `json:"sender_id,omitempty"`
	Content        string    `json:"content"`
	Seq            uint64    `json:"seq"`
	CreatedAt      time.Time `json:"created_at"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// Event is a relay push addressed to one or more connections.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}
