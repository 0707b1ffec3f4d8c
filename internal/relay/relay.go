package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mistakeknot/supportline/internal/core"
	"github.com/mistakeknot/supportline/internal/lock"
	"github.com/mistakeknot/supportline/internal/presence"
	"github.com/mistakeknot/supportline/internal/router"
)


// Relay dispatches decoded requests from a connected participant to the
// lock manager, message router and typing signaler.
type Relay struct {
	locks    *lock.Manager
	router   *router.Router
	presence *presence.Signaler
	logger   *slog.Logger
}

func New(locks *lock.Manager, rt *router.Router, signaler *presence.Signaler, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{locks: locks, router: rt, presence: signaler, logger: logger.With("component", "relay")}
}

// Connected runs once per accepted connection. Agents receive notices that
// were queued while they were offline.
func (r *Relay) Connected(_ context.Context, p core.Participant) {
	if p.IsAgent() {
		r.locks.FlushPending(p.ID)
	}
}

// Handle serves one request. Payload and error can both be non-nil: a
// conflict on open still returns the read-only snapshot.
func (r *Relay) Handle(ctx context.Context, p core.Participant, req core.Request) (any, error) {
	payload, err := r.handle(ctx, p, req)
	if err != nil && core.ErrorCode(err) == core.CodeInternal {
		r.logger.Error("request failed", "type", req.Type, "participant", p.ID, "error", err)
	}
	return payload, err
}

func (r *Relay) handle(ctx context.Context, p core.Participant, req core.Request) (any, error) {
	switch req.Type {
	case core.RequestJoin:
		return r.join(ctx, p, req)
	case core.RequestSend:
		var body core.SendPayload
		if err := core.Decode(req.Payload, &body); err != nil {
			return nil, err
		}
		msg, err := r.router.Send(ctx, router.SendRequest{
			ConversationID: body.ConversationID,
			Sender:         p,
			Content:        body.Content,
			IdempotencyKey: body.IdempotencyKey,
		})
		if err != nil {
			return nil, err
		}
		return msg, nil
	case core.RequestOpen:
		return r.withTranscript(ctx, p, req, r.locks.Open)
	case core.RequestRelease:
		return r.conversationOp(ctx, p, req, r.locks.Release)
	case core.RequestClose:
		return r.conversationOp(ctx, p, req, r.locks.Close)
	case core.RequestTakeover:
		return r.withTranscript(ctx, p, req, r.locks.Takeover)
	case core.RequestHeartbeat:
		ids, err := r.locks.Heartbeat(ctx, p)
		if err != nil {
			return nil, err
		}
		if ids == nil {
			ids = []string{}
		}
		return core.HeartbeatReply{ConversationIDs: ids}, nil
	case core.RequestTyping:
		var body core.TypingPayload
		if err := core.Decode(req.Payload, &body); err != nil {
			return nil, err
		}
		return nil, r.presence.Typing(ctx, p, body.ConversationID, body.IsTyping)
	case core.RequestList:
		if !p.IsAgent() {
			return nil, core.ErrForbidden
		}
		var body core.ListPayload
		if err := core.Decode(req.Payload, &body); err != nil {
			return nil, err
		}
		convs, err := r.locks.List(ctx, body.Status, core.ClampListLimit(body.Limit))
		if err != nil {
			return nil, err
		}
		if convs == nil {
			convs = []core.Conversation{}
		}
		return core.ListReply{Conversations: convs}, nil
	default:
		return nil, fmt.Errorf("%w: unknown request type %q", core.ErrValidation, req.Type)
	}
}

func (r *Relay) join(ctx context.Context, p core.Participant, req core.Request) (any, error) {
	if !p.IsVisitor() {
		return nil, core.ErrForbidden
	}
	var body core.JoinPayload
	if err := core.Decode(req.Payload, &body); err != nil {
		return nil, err
	}
	if body.Name != "" {
		p.Name = body.Name
	}
	email := p.Email
	if body.Email != "" {
		email = body.Email
	}
	conv, err := r.locks.Join(ctx, p, email)
	if err != nil {
		return nil, err
	}
	msgs, err := r.router.Transcript(ctx, p, conv.ID, 0)
	if err != nil {
		return nil, err
	}
	return view(conv, msgs, false), nil
}

type lockOp func(ctx context.Context, agent core.Participant, id string) (core.Conversation, error)

// withTranscript returns the transcript on success and, read-only, on a lock
// conflict or a closed conversation.
func (r *Relay) withTranscript(ctx context.Context, p core.Participant, req core.Request, op lockOp) (any, error) {
	var body core.ConversationPayload
	if err := core.Decode(req.Payload, &body); err != nil {
		return nil, err
	}
	conv, opErr := op(ctx, p, body.ConversationID)
	if opErr != nil && !core.Conflict(opErr) {
		return nil, opErr
	}
	if conv.ID == "" {
		return nil, opErr
	}
	msgs, err := r.router.Transcript(ctx, p, conv.ID, 0)
	if err != nil {
		if opErr != nil {
			return nil, opErr
		}
		return nil, err
	}
	return view(conv, msgs, opErr != nil), opErr
}

func (r *Relay) conversationOp(ctx context.Context, p core.Participant, req core.Request, op lockOp) (any, error) {
	var body core.ConversationPayload
	if err := core.Decode(req.Payload, &body); err != nil {
		return nil, err
	}
	conv, err := op(ctx, p, body.ConversationID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, err
		}
		if conv.ID != "" {
			return core.ConversationView{Conversation: conv, ReadOnly: true}, err
		}
		return nil, err
	}
	return core.ConversationView{Conversation: conv}, nil
}

func view(conv core.Conversation, msgs []core.Message, readOnly bool) core.ConversationView {
	if msgs == nil {
		msgs = []core.Message{}
	}
	return core.ConversationView{Conversation: conv, Messages: msgs, ReadOnly: readOnly}
}
