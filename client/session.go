package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mistakeknot/supportline/internal/core"
)

// Session is a UI-facing connection to the relay.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(t core.EventType, h Handler) func()
	teardown() error
}

// SwitchIdentity fully closes from's physical channel before connecting to.
// Channels of different identities are never shared.
func SwitchIdentity(ctx context.Context, from, to Session) error {
	if err := from.teardown(); err != nil {
		return fmt.Errorf("close previous identity: %w", err)
	}
	return to.Connect(ctx)
}

// session is the plumbing both session kinds share.
type session struct {
	pool   *Pool
	logger *slog.Logger

	chMu   sync.Mutex
	ch     *Channel
	unsubs []func()
}

func (s *session) channel() (*Channel, error) {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	if s.ch == nil {
		return nil, ErrClosed
	}
	return s.ch, nil
}

func (s *session) attach(ch *Channel, subs map[core.EventType]Handler) {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	s.ch = ch
	for t, h := range subs {
		s.unsubs = append(s.unsubs, ch.Subscribe(t, h))
	}
}

// Subscribe registers h on the session's channel until Disconnect.
func (s *session) Subscribe(t core.EventType, h Handler) func() {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	if s.ch == nil {
		return func() {}
	}
	unsub := s.ch.Subscribe(t, h)
	s.unsubs = append(s.unsubs, unsub)
	return unsub
}

func (s *session) detach() *Channel {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	for _, u := range s.unsubs {
		u()
	}
	s.unsubs = nil
	ch := s.ch
	s.ch = nil
	return ch
}

// Disconnect releases this session's reference to its channel.
func (s *session) Disconnect() error {
	return s.pool.Release(s.detach())
}

func (s *session) teardown() error {
	return s.pool.Evict(s.detach())
}

// Typing sends a typing indicator for the conversation.
func (s *session) Typing(ctx context.Context, conversationID string, isTyping bool) error {
	ch, err := s.channel()
	if err != nil {
		return err
	}
	return ch.Request(ctx, core.RequestTyping, core.TypingPayload{ConversationID: conversationID, IsTyping: isTyping}, nil)
}

func (s *session) sendOnce(ctx context.Context, conversationID, content, key string) (core.Message, error) {
	ch, err := s.channel()
	if err != nil {
		return core.Message{}, err
	}
	var msg core.Message
	err = ch.Request(ctx, core.RequestSend, core.SendPayload{
		ConversationID: conversationID,
		Content:        content,
		IdempotencyKey: key,
	}, &msg)
	return msg, err
}

// reestablish forces a redial and waits for it.
func (s *session) reestablish(ctx context.Context) error {
	ch, err := s.channel()
	if err != nil {
		return err
	}
	ch.Reconnect()
	return ch.WaitConnected(ctx)
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: message content is empty", core.ErrValidation)
	}
	return nil
}

func decodeFrame[T any](f core.Frame) (T, bool) {
	var v T
	if err := json.Unmarshal(f.Payload, &v); err != nil {
		return v, false
	}
	return v, true
}

// VisitorOptions configures a VisitorSession.
type VisitorOptions struct {
	Pool  *Pool
	Store *ContextStore
	Name  string
	Email string
	Logger *slog.Logger
}

// VisitorSession is the widget-side facade: one conversation, optimistic
// sends, durable drafts.
type VisitorSession struct {
	session
	store *ContextStore
	name  string
	email string

	mu       sync.Mutex
	conv     core.Conversation
	timeline *Timeline
}

func NewVisitorSession(opts VisitorOptions) *VisitorSession {
	if opts.Store == nil {
		opts.Store, _ = OpenContextStore("")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &VisitorSession{
		session:  session{pool: opts.Pool, logger: opts.Logger.With("component", "visitor_session")},
		store:    opts.Store,
		name:     opts.Name,
		email:    opts.Email,
		timeline: NewTimeline(),
	}
}

// Connect presents the stored session id, minting one on first use, and
// persists whatever id the relay confirms.
func (v *VisitorSession) Connect(ctx context.Context) error {
	sessionID, err := v.store.EnsureSessionID()
	if err != nil {
		return err
	}
	ch, err := v.pool.Acquire(ctx, Identity{Role: core.RoleVisitor, SessionID: sessionID, Name: v.name, Email: v.email})
	if err != nil {
		return err
	}
	if confirmed := ch.Identity().SessionID; confirmed != "" {
		if err := v.store.SetSessionID(confirmed); err != nil {
			v.logger.Warn("persist session id", "error", err)
		}
	}
	v.attach(ch, map[core.EventType]Handler{
		core.EventSessionInit: v.onSessionInit,
		core.EventMessage:     v.onMessage,
		core.EventLockUpdate:  v.onLockUpdate,
		core.EventClosed:      v.onClosed,
	})
	return nil
}

// SessionID is the relay-confirmed visitor session id.
func (v *VisitorSession) SessionID() string {
	return v.store.SessionID()
}

// Join resumes or creates the visitor's conversation and loads its
// transcript.
func (v *VisitorSession) Join(ctx context.Context) (core.ConversationView, error) {
	ch, err := v.channel()
	if err != nil {
		return core.ConversationView{}, err
	}
	var view core.ConversationView
	if err := ch.Request(ctx, core.RequestJoin, core.JoinPayload{Name: v.name, Email: v.email}, &view); err != nil {
		return core.ConversationView{}, err
	}
	v.mu.Lock()
	v.conv = view.Conversation
	v.timeline.Reset(view.Messages)
	v.mu.Unlock()
	return view, nil
}

// Send shows content immediately as a provisional entry, then delivers it.
// A stale conversation is re-joined and the send retried once; a transport
// fault reconnects, re-joins and resends only if the relay has not already
// stored the message. On failure the entry is removed, the content is kept
// as the draft and returned in a *SendError.
func (v *VisitorSession) Send(ctx context.Context, content string) (core.Message, error) {
	v.mu.Lock()
	convID := v.conv.ID
	v.mu.Unlock()
	if err := validateContent(content); err != nil {
		return core.Message{}, &SendError{ConversationID: convID, Content: content, Err: err}
	}
	if convID == "" {
		view, err := v.Join(ctx)
		if err != nil {
			return core.Message{}, &SendError{Content: content, Err: err}
		}
		convID = view.Conversation.ID
	}

	key := uuid.NewString()
	v.mu.Lock()
	v.timeline.Provisional(key, content)
	v.mu.Unlock()

	msg, err := v.deliver(ctx, convID, content, key)

	v.mu.Lock()
	defer v.mu.Unlock()
	if err != nil {
		v.timeline.Drop(key)
		target := v.conv.ID
		if target == "" {
			target = convID
		}
		if derr := v.store.SetDraft(target, content); derr != nil {
			v.logger.Warn("persist draft", "error", derr)
		}
		return core.Message{}, &SendError{ConversationID: target, Content: content, Key: key, Err: err}
	}
	v.timeline.Apply(msg)
	cleared := []string{msg.ConversationID}
	if convID != msg.ConversationID {
		// A recovered send lands in a new conversation; the draft was kept under the old one.
		cleared = append(cleared, convID)
	}
	for _, id := range cleared {
		if derr := v.store.ClearDraft(id); derr != nil {
			v.logger.Warn("clear draft", "conversation_id", id, "error", derr)
		}
	}
	return msg, nil
}

func (v *VisitorSession) deliver(ctx context.Context, convID, content, key string) (core.Message, error) {
	msg, err := v.sendOnce(ctx, convID, content, key)
	switch {
	case err == nil:
		return msg, nil
	case errors.Is(err, core.ErrNotFound):
		v.logger.Info("conversation gone, re-joining", "conversation_id", convID)
		view, jerr := v.Join(ctx)
		if jerr != nil {
			return core.Message{}, err
		}
		return v.sendOnce(ctx, view.Conversation.ID, content, key)
	case errors.Is(err, ErrTransport):
		v.logger.Info("send outcome unknown, re-deriving state", "conversation_id", convID, "error", err)
		if rerr := v.reestablish(ctx); rerr != nil {
			return core.Message{}, rerr
		}
		view, jerr := v.Join(ctx)
		if jerr != nil {
			return core.Message{}, jerr
		}
		for _, m := range view.Messages {
			if m.IdempotencyKey == key {
				return m, nil
			}
		}
		return v.sendOnce(ctx, view.Conversation.ID, content, key)
	default:
		return core.Message{}, err
	}
}

// SetDraft persists unsent input for the current conversation.
func (v *VisitorSession) SetDraft(text string) error {
	v.mu.Lock()
	convID := v.conv.ID
	v.mu.Unlock()
	if convID == "" {
		return fmt.Errorf("%w: join before drafting", core.ErrValidation)
	}
	return v.store.SetDraft(convID, text)
}

func (v *VisitorSession) Draft() string {
	v.mu.Lock()
	convID := v.conv.ID
	v.mu.Unlock()
	return v.store.Draft(convID)
}

func (v *VisitorSession) Conversation() core.Conversation {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conv
}

func (v *VisitorSession) Timeline() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.timeline.Entries()
}

// Typing signals the visitor is composing.
func (v *VisitorSession) Typing(ctx context.Context, isTyping bool) error {
	v.mu.Lock()
	convID := v.conv.ID
	v.mu.Unlock()
	return v.session.Typing(ctx, convID, isTyping)
}

func (v *VisitorSession) onSessionInit(f core.Frame) {
	si, ok := decodeFrame[core.SessionInit](f)
	if !ok || si.SessionID == "" {
		return
	}
	if err := v.store.SetSessionID(si.SessionID); err != nil {
		v.logger.Warn("persist session id", "error", err)
	}
}

func (v *VisitorSession) onMessage(f core.Frame) {
	msg, ok := decodeFrame[core.Message](f)
	if !ok {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if msg.ConversationID == v.conv.ID {
		v.timeline.Apply(msg)
	}
}

func (v *VisitorSession) onLockUpdate(f core.Frame) {
	up, ok := decodeFrame[core.LockUpdate](f)
	if !ok {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if up.ConversationID == v.conv.ID && v.conv.Status != core.StatusClosed {
		v.conv.Status = up.Status
		v.conv.Holder = up.AgentID
	}
}

func (v *VisitorSession) onClosed(f core.Frame) {
	n, ok := decodeFrame[core.ClosedNotice](f)
	if !ok {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if n.ConversationID == v.conv.ID {
		v.conv.Status = core.StatusClosed
		v.conv.Holder = ""
	}
}

// AgentOptions configures an AgentSession.
type AgentOptions struct {
	Pool   *Pool
	Token  string
	Logger *slog.Logger
}

type agentConversation struct {
	conv     core.Conversation
	timeline *Timeline
	readOnly bool
}

// AgentSession is one agent UI surface. Surfaces with the same token share
// a physical channel through the pool.
type AgentSession struct {
	session
	token string

	mu      sync.Mutex
	agentID string
	convs   map[string]*agentConversation
}

func NewAgentSession(opts AgentOptions) *AgentSession {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &AgentSession{
		session: session{pool: opts.Pool, logger: opts.Logger.With("component", "agent_session")},
		token:   opts.Token,
		convs:   make(map[string]*agentConversation),
	}
}

// Connect acquires the shared agent channel. A rejected token fails with
// ErrAuth.
func (a *AgentSession) Connect(ctx context.Context) error {
	ch, err := a.pool.Acquire(ctx, Identity{Role: core.RoleAgent, Token: a.token})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.agentID = ch.Hello().AgentID
	a.mu.Unlock()
	a.attach(ch, map[core.EventType]Handler{
		core.EventMessage:      a.onMessage,
		core.EventLockUpdate:   a.onLockUpdate,
		core.EventLockTakeover: a.onDispossessed,
		core.EventLockExpired:  a.onDispossessed,
		core.EventClosed:       a.onClosed,
	})
	return nil
}

// AgentID is the identity the relay derived from the token.
func (a *AgentSession) AgentID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.agentID
}

// Open claims the conversation. On conflict the read-only snapshot is
// returned alongside the error.
func (a *AgentSession) Open(ctx context.Context, conversationID string) (core.ConversationView, error) {
	return a.claim(ctx, core.RequestOpen, conversationID)
}

// Takeover forcibly claims the conversation; it needs an override role.
func (a *AgentSession) Takeover(ctx context.Context, conversationID string) (core.ConversationView, error) {
	return a.claim(ctx, core.RequestTakeover, conversationID)
}

func (a *AgentSession) claim(ctx context.Context, typ core.RequestType, conversationID string) (core.ConversationView, error) {
	ch, err := a.channel()
	if err != nil {
		return core.ConversationView{}, err
	}
	var view core.ConversationView
	err = ch.Request(ctx, typ, core.ConversationPayload{ConversationID: conversationID}, &view)
	if view.Conversation.ID != "" {
		view.ReadOnly = view.ReadOnly || err != nil
		a.track(view)
	}
	return view, err
}

func (a *AgentSession) track(view core.ConversationView) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.convs[view.Conversation.ID]
	if !ok {
		c = &agentConversation{timeline: NewTimeline()}
		a.convs[view.Conversation.ID] = c
	}
	c.conv = view.Conversation
	c.readOnly = view.ReadOnly
	c.timeline.Reset(view.Messages)
}

// Release gives the conversation back to the queue.
func (a *AgentSession) Release(ctx context.Context, conversationID string) error {
	return a.lockOp(ctx, core.RequestRelease, conversationID)
}

// Close ends the conversation for good.
func (a *AgentSession) Close(ctx context.Context, conversationID string) error {
	return a.lockOp(ctx, core.RequestClose, conversationID)
}

func (a *AgentSession) lockOp(ctx context.Context, typ core.RequestType, conversationID string) error {
	ch, err := a.channel()
	if err != nil {
		return err
	}
	var view core.ConversationView
	err = ch.Request(ctx, typ, core.ConversationPayload{ConversationID: conversationID}, &view)
	if view.Conversation.ID != "" {
		a.mu.Lock()
		if c, ok := a.convs[conversationID]; ok {
			c.conv = view.Conversation
			c.readOnly = true
		}
		a.mu.Unlock()
	}
	return err
}

// List returns conversations in the given status, newest activity first.
func (a *AgentSession) List(ctx context.Context, status core.Status, limit int) ([]core.Conversation, error) {
	ch, err := a.channel()
	if err != nil {
		return nil, err
	}
	var out core.ListReply
	if err := ch.Request(ctx, core.RequestList, core.ListPayload{Status: status, Limit: limit}, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// Heartbeat refreshes every lock this agent holds. The channel also does
// this on its own schedule.
func (a *AgentSession) Heartbeat(ctx context.Context) ([]string, error) {
	ch, err := a.channel()
	if err != nil {
		return nil, err
	}
	var out core.HeartbeatReply
	if err := ch.Request(ctx, core.RequestHeartbeat, nil, &out); err != nil {
		return nil, err
	}
	return out.ConversationIDs, nil
}

// Send posts into a conversation this agent holds. A conversation that was
// downgraded to read-only is refused locally. A transport fault reconnects,
// re-opens and resends only if the relay has not stored the message.
func (a *AgentSession) Send(ctx context.Context, conversationID, content string) (core.Message, error) {
	if err := validateContent(content); err != nil {
		return core.Message{}, &SendError{ConversationID: conversationID, Content: content, Err: err}
	}
	key := uuid.NewString()
	a.mu.Lock()
	c, ok := a.convs[conversationID]
	if ok && c.readOnly {
		a.mu.Unlock()
		return core.Message{}, &SendError{
			ConversationID: conversationID,
			Content:        content,
			Err:            fmt.Errorf("%w: conversation is read-only", core.ErrNotHolder),
		}
	}
	if ok {
		c.timeline.Provisional(key, content)
	}
	a.mu.Unlock()

	msg, err := a.sendOnce(ctx, conversationID, content, key)
	if errors.Is(err, ErrTransport) {
		msg, err = a.recoverSend(ctx, conversationID, content, key, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	c = a.convs[conversationID]
	if err != nil {
		if c != nil {
			c.timeline.Drop(key)
			if core.Conflict(err) || errors.Is(err, core.ErrNotHolder) {
				c.readOnly = true
			}
		}
		return core.Message{}, &SendError{ConversationID: conversationID, Content: content, Key: key, Err: err}
	}
	if c != nil {
		c.timeline.Apply(msg)
	}
	return msg, nil
}

func (a *AgentSession) recoverSend(ctx context.Context, conversationID, content, key string, cause error) (core.Message, error) {
	a.logger.Info("send outcome unknown, re-deriving state", "conversation_id", conversationID, "error", cause)
	if err := a.reestablish(ctx); err != nil {
		return core.Message{}, err
	}
	view, err := a.Open(ctx, conversationID)
	for _, m := range view.Messages {
		if m.IdempotencyKey == key {
			return m, nil
		}
	}
	if err != nil {
		return core.Message{}, err
	}
	return a.sendOnce(ctx, conversationID, content, key)
}

// ReadOnly reports whether the conversation may no longer be written by
// this agent.
func (a *AgentSession) ReadOnly(conversationID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.convs[conversationID]
	return !ok || c.readOnly
}

func (a *AgentSession) Conversation(conversationID string) (core.Conversation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.convs[conversationID]
	if !ok {
		return core.Conversation{}, false
	}
	return c.conv, true
}

func (a *AgentSession) Timeline(conversationID string) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.convs[conversationID]
	if !ok {
		return nil
	}
	return c.timeline.Entries()
}

func (a *AgentSession) onMessage(f core.Frame) {
	msg, ok := decodeFrame[core.Message](f)
	if !ok {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.convs[msg.ConversationID]; ok {
		c.timeline.Apply(msg)
		if msg.Seq > c.conv.LastSeq {
			c.conv.LastSeq = msg.Seq
		}
	}
}

func (a *AgentSession) onLockUpdate(f core.Frame) {
	up, ok := decodeFrame[core.LockUpdate](f)
	if !ok {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.convs[up.ConversationID]
	if !ok || c.conv.Status == core.StatusClosed {
		return
	}
	c.conv.Status = up.Status
	c.conv.Holder = up.AgentID
	c.readOnly = up.AgentID != a.agentID
}

// onDispossessed downgrades a conversation this agent lost by takeover or
// expiry.
func (a *AgentSession) onDispossessed(f core.Frame) {
	n, ok := decodeFrame[core.LockNotice](f)
	if !ok {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.convs[n.ConversationID]; ok {
		c.readOnly = true
		c.conv.Holder = n.Holder
		if n.Holder == "" {
			c.conv.Status = core.StatusOpen
		}
	}
}

func (a *AgentSession) onClosed(f core.Frame) {
	n, ok := decodeFrame[core.ClosedNotice](f)
	if !ok {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.convs[n.ConversationID]; ok {
		c.readOnly = true
		c.conv.Status = core.StatusClosed
		c.conv.Holder = ""
	}
}
