package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mistakeknot/supportline/internal/core"
	"github.com/mistakeknot/supportline/internal/storage"
)

const (
	DefaultCacheSize = 4096
	DefaultCacheTTL  = 10 * time.Minute
	MaxContentLength = 8000
)

// SendRequest is one message submission from a connected participant.
type SendRequest struct {
	ConversationID string
	Sender         core.Participant
	Content        string
	IdempotencyKey string
}

type Options struct {
	CacheSize int
	CacheTTL  time.Duration
	NodeID    int64
	Logger    *slog.Logger
	Now       func() time.Time
}

// Router validates, sequences, deduplicates and fans out messages.
type Router struct {
	store    storage.Store
	notifier core.Notifier
	ids      *snowflake.Node
	recent   *expirable.LRU[string, core.Message]
	logger   *slog.Logger
	now      func() time.Time
}

func New(store storage.Store, notifier core.Notifier, opts Options) (*Router, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	node, err := snowflake.NewNode(opts.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", opts.NodeID, err)
	}
	return &Router{
		store:    store,
		notifier: notifier,
		ids:      node,
		recent:   expirable.NewLRU[string, core.Message](opts.CacheSize, nil, opts.CacheTTL),
		logger:   opts.Logger.With("component", "router"),
		now:      opts.Now,
	}, nil
}

// Send appends a message and fans it out. A repeated idempotency key returns
// the original message and only echoes it back to the sender's channels.
func (r *Router) Send(ctx context.Context, req SendRequest) (core.Message, error) {
	if err := validate(req); err != nil {
		return core.Message{}, err
	}
	appendReq := storage.AppendRequest{Message: core.Message{
		ConversationID: req.ConversationID,
		SenderRole:     req.Sender.Role,
		SenderID:       req.Sender.ID,
		Content:        req.Content,
		IdempotencyKey: req.IdempotencyKey,
	}}
	switch req.Sender.Role {
	case core.RoleVisitor:
		appendReq.RequireVisitor = req.Sender.ID
	case core.RoleAgent:
		appendReq.RequireHolder = req.Sender.ID
	default:
		return core.Message{}, core.ErrForbidden
	}

	key := cacheKey(req.ConversationID, req.IdempotencyKey)
	if key != "" {
		if msg, ok := r.recent.Get(key); ok && msg.SenderID == req.Sender.ID {
			r.echo(req.Sender, msg)
			return msg, nil
		}
	}

	appendReq.Message.ID = r.ids.Generate().String()
	appendReq.Message.CreatedAt = r.now()
	msg, created, err := r.store.AppendMessage(ctx, appendReq)
	if err != nil {
		return core.Message{}, err
	}
	if key != "" {
		r.recent.Add(key, msg)
	}
	if !created {
		r.logger.Debug("duplicate send", "conversation_id", msg.ConversationID, "key", req.IdempotencyKey)
		r.echo(req.Sender, msg)
		return msg, nil
	}

	conv, err := r.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		// The message is durable; only the fan-out is lost.
		r.logger.Warn("reload conversation after send", "conversation_id", msg.ConversationID, "error", err)
		r.echo(req.Sender, msg)
		return msg, nil
	}
	r.fanOut(conv, msg)
	return msg, nil
}

// Transcript returns messages after afterSeq. Visitors may only read their
// own conversation; agents may read any.
func (r *Router) Transcript(ctx context.Context, reader core.Participant, conversationID string, afterSeq uint64) ([]core.Message, error) {
	if reader.IsVisitor() {
		conv, err := r.store.GetConversation(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if conv.VisitorSessionID != reader.ID {
			return nil, core.ErrForbidden
		}
	} else if !reader.IsAgent() {
		return nil, core.ErrForbidden
	}
	return r.store.Messages(ctx, conversationID, afterSeq)
}

func (r *Router) fanOut(conv core.Conversation, msg core.Message) {
	ev := core.Event{Type: core.EventMessage, Payload: msg}
	r.notifier.NotifyVisitor(conv.VisitorSessionID, ev)
	if conv.Holder != "" {
		r.notifier.NotifyAgent(conv.Holder, ev)
	}
	r.notifier.NotifyAgents(core.ListUpdateFor(conv))
}

func (r *Router) echo(sender core.Participant, msg core.Message) {
	ev := core.Event{Type: core.EventMessage, Payload: msg}
	if sender.IsVisitor() {
		r.notifier.NotifyVisitor(sender.ID, ev)
		return
	}
	r.notifier.NotifyAgent(sender.ID, ev)
}

func validate(req SendRequest) error {
	if req.ConversationID == "" {
		return fmt.Errorf("%w: conversation id required", core.ErrValidation)
	}
	if req.Sender.ID == "" {
		return fmt.Errorf("%w: sender required", core.ErrValidation)
	}
	if strings.TrimSpace(req.Content) == "" {
		return fmt.Errorf("%w: message content is empty", core.ErrValidation)
	}
	if utf8.RuneCountInString(req.Content) > MaxContentLength {
		return fmt.Errorf("%w: message longer than %d characters", core.ErrValidation, MaxContentLength)
	}
	return nil
}

func cacheKey(conversationID, idempotencyKey string) string {
	if idempotencyKey == "" {
		return ""
	}
	return conversationID + "\x00" + idempotencyKey
}
