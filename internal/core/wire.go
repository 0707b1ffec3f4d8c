package core

import (
	"encoding/json"
	"fmt"
)

// RequestType names a client -> relay request.
type RequestType string

const (
	RequestJoin      RequestType = "join"
	RequestSend      RequestType = "send"
	RequestOpen      RequestType = "open"
	RequestRelease   RequestType = "release"
	RequestClose     RequestType = "close"
	RequestTakeover  RequestType = "takeover"
	RequestHeartbeat RequestType = "heartbeat"
	RequestTyping    RequestType = "typing"
	RequestList      RequestType = "list"
)

// FrameReply is the frame type of a request's response.
const FrameReply = "reply"

// Request is a client -> relay frame.
type Request struct {
	ID      string          `json:"id"`
	Type    RequestType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame is a relay -> client frame: either a reply or a push event.
type Frame struct {
	Type    string          `json:"type"`
	ReplyTo string          `json:"reply_to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// NewRequest marshals payload into a request frame.
func NewRequest(id string, typ RequestType, payload any) (Request, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Request{}, err
	}
	return Request{ID: id, Type: typ, Payload: raw}, nil
}

// EventFrame converts a push event into its wire frame.
func EventFrame(ev Event) (Frame, error) {
	raw, err := marshalPayload(ev.Payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: string(ev.Type), Payload: raw}, nil
}

// ReplyFrame builds the response to request id. Payload and error may both
// be set: a conflict still carries the read-only snapshot.
func ReplyFrame(id string, payload any, err error) (Frame, error) {
	raw, merr := marshalPayload(payload)
	if merr != nil {
		return Frame{}, merr
	}
	return Frame{Type: FrameReply, ReplyTo: id, Payload: raw, Error: NewErrorBody(err)}, nil
}

// Decode unmarshals a payload into v. An empty payload leaves v untouched.
func Decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}

// Request payloads.

type JoinPayload struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type SendPayload struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ConversationPayload addresses open, release, close and takeover.
type ConversationPayload struct {
	ConversationID string `json:"conversation_id"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// List limits shared by the websocket list request and the HTTP listing.
const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

// ClampListLimit applies DefaultListLimit to a missing limit and caps the rest
// at MaxListLimit.
func ClampListLimit(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	return min(n, MaxListLimit)
}

type ListPayload struct {
	Status Status `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Reply payloads.

// ConversationView is a conversation snapshot with its transcript.
type ConversationView struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
	// ReadOnly is set when the caller may view but not write.
	ReadOnly bool `json:"read_only,omitempty"`
}

type HeartbeatReply struct {
	ConversationIDs []string `json:"conversation_ids"`
}

type ListReply struct {
	Conversations []Conversation `json:"conversations"`
}
