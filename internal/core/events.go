package core

import "time"

// Notifier delivers push events to connected participants.
type Notifier interface {
	// NotifyVisitor sends ev to every channel of a visitor session.
	NotifyVisitor(sessionID string, ev Event)
	// NotifyAgent sends ev to every channel of one agent and reports
	// whether any channel received it.
	NotifyAgent(agentID string, ev Event) bool
	// NotifyAgents sends ev to every connected agent.
	NotifyAgents(ev Event)
}

// SessionInit is sent once per handshake; the client adopts SessionID.
type SessionInit struct {
	SessionID   string `json:"session_id"`
	DisplayName string `json:"display_name,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	Role        Role   `json:"role"`
}

type LockUpdate struct {
	ConversationID string `json:"conversation_id"`
	Locked         bool   `json:"locked"`
	AgentID        string `json:"agent_id,omitempty"`
	Status         Status `json:"status"`
}

// LockNotice tells a dispossessed holder it lost a conversation.
type LockNotice struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	Holder         string `json:"holder,omitempty"`
}

// ListUpdate is the content-free conversation list refresh signal.
type ListUpdate struct {
	ConversationID string    `json:"conversation_id"`
	Status         Status    `json:"status"`
	Holder         string    `json:"holder,omitempty"`
	LastSeq        uint64    `json:"last_seq"`
	LastActivity   time.Time `json:"last_activity"`
}

type ClosedNotice struct {
	ConversationID string `json:"conversation_id"`
	ClosedBy       string `json:"closed_by,omitempty"`
}

type TypingNotice struct {
	ConversationID string `json:"conversation_id"`
	Role           Role   `json:"role"`
	IsTyping       bool   `json:"is_typing"`
}

// ErrorBody is the wire form of a failed request or an error push.
type ErrorBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	LockedBy string `json:"locked_by,omitempty"`
}

// NewErrorBody builds the wire error for err.
func NewErrorBody(err error) *ErrorBody {
	if err == nil {
		return nil
	}
	body := &ErrorBody{Code: ErrorCode(err), Message: err.Error()}
	if lockErr, ok := AsLockError(err); ok {
		body.LockedBy = lockErr.LockedBy
	}
	return body
}

// Err rebuilds the typed error carried by the body.
func (b *ErrorBody) Err(conversationID string) error {
	if b == nil {
		return nil
	}
	return ErrorFromCode(b.Code, b.Message, conversationID, b.LockedBy)
}

// ListUpdateFor projects conv into a list refresh event.
func ListUpdateFor(conv Conversation) Event {
	return Event{Type: EventListUpdate, Payload: ListUpdate{
		ConversationID: conv.ID,
		Status:         conv.Status,
		Holder:         conv.Holder,
		LastSeq:        conv.LastSeq,
		LastActivity:   conv.LastActivity,
	}}
}

// LockUpdateFor projects conv into a lock state event.
func LockUpdateFor(conv Conversation) Event {
	return Event{Type: EventLockUpdate, Payload: LockUpdate{
		ConversationID: conv.ID,
		Locked:         conv.Status == StatusLocked,
		AgentID:        conv.Holder,
		Status:         conv.Status,
	}}
}
