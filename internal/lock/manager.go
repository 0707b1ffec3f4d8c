package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/supportline/internal/core"
	"github.com/mistakeknot/supportline/internal/storage"
)

const DefaultExpiry = 45 * time.Second

// Options configures a Manager. Zero values take defaults.
type Options struct {
	Expiry time.Duration
	Policy Policy
	Logger *slog.Logger
	Now    func() time.Time
}

// Manager owns the conversation state machine OPEN -> LOCKED -> CLOSED.
// Every transition is a compare-and-set in the store; the manager adds
// authorization, notifications and expiry.
type Manager struct {
	store    storage.Store
	notifier core.Notifier
	policy   Policy
	expiry   time.Duration
	now      func() time.Time
	logger   *slog.Logger
	pending  *pendingNotices
}

func NewManager(store storage.Store, notifier core.Notifier, opts Options) *Manager {
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultExpiry
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if notifier == nil {
		notifier = discard{}
	}
	return &Manager{
		store:    store,
		notifier: notifier,
		policy:   opts.Policy,
		expiry:   opts.Expiry,
		now:      opts.Now,
		logger:   opts.Logger.With("component", "lock"),
		pending:  newPendingNotices(),
	}
}

// Policy returns the override policy in force.
func (m *Manager) Policy() Policy { return m.policy }

// Join creates an OPEN conversation for the visitor session, or resumes the
// existing non-closed one unchanged.
func (m *Manager) Join(ctx context.Context, visitor core.Participant, email string) (core.Conversation, error) {
	if !visitor.IsVisitor() || strings.TrimSpace(visitor.ID) == "" {
		return core.Conversation{}, fmt.Errorf("%w: visitor session id required", core.ErrValidation)
	}
	active, err := m.store.ActiveConversation(ctx, visitor.ID)
	switch {
	case err == nil:
		return active, nil
	case !errors.Is(err, core.ErrNotFound):
		return core.Conversation{}, fmt.Errorf("join: %w", err)
	}
	// CreateConversation still resumes if a concurrent join got there first.
	now := m.now()
	proposed := uuid.NewString()
	conv, err := m.store.CreateConversation(ctx, core.Conversation{
		ID:               proposed,
		VisitorSessionID: visitor.ID,
		VisitorName:      visitor.Name,
		VisitorEmail:     strings.TrimSpace(email),
		CreatedAt:        now,
		LastActivity:     now,
	})
	if err != nil {
		return core.Conversation{}, fmt.Errorf("join: %w", err)
	}
	if conv.ID == proposed {
		m.logger.Info("conversation created", "conversation_id", conv.ID, "visitor", visitor.ID)
		m.notifier.NotifyAgents(core.ListUpdateFor(conv))
	}
	return conv, nil
}

// Get returns a conversation snapshot.
func (m *Manager) Get(ctx context.Context, id string) (core.Conversation, error) {
	return m.store.GetConversation(ctx, id)
}

// List returns conversations for the agent queue, most recently active first.
func (m *Manager) List(ctx context.Context, status core.Status, limit int) ([]core.Conversation, error) {
	return m.store.ListConversations(ctx, status, limit)
}

// Open acquires the lock for agent. On conflict the conversation is returned
// alongside the error so callers can render it read-only.
func (m *Manager) Open(ctx context.Context, agent core.Participant, id string) (core.Conversation, error) {
	if !agent.IsAgent() {
		return core.Conversation{}, core.ErrForbidden
	}
	if id == "" {
		return core.Conversation{}, fmt.Errorf("%w: conversation id required", core.ErrValidation)
	}
	conv, err := m.store.AcquireLock(ctx, id, agent.ID, m.now())
	if lockErr, ok := core.AsLockError(err); ok && m.stale(conv) {
		// The holder stopped heartbeating but the sweep has not run yet.
		m.logger.Info("expiring stale lock on open", "conversation_id", id, "holder", lockErr.LockedBy)
		if _, xerr := m.Expire(ctx); xerr != nil {
			return conv, err
		}
		conv, err = m.store.AcquireLock(ctx, id, agent.ID, m.now())
	}
	if err != nil {
		return conv, err
	}
	m.logger.Info("lock acquired", "conversation_id", id, "agent", agent.ID)
	m.broadcastLock(conv)
	return conv, nil
}

// Heartbeat refreshes every lock held by agent and flushes queued notices.
func (m *Manager) Heartbeat(ctx context.Context, agent core.Participant) ([]string, error) {
	if !agent.IsAgent() {
		return nil, core.ErrForbidden
	}
	ids, err := m.store.Heartbeat(ctx, agent.ID, m.now())
	if err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	m.FlushPending(agent.ID)
	return ids, nil
}

// Release returns a held conversation to OPEN.
func (m *Manager) Release(ctx context.Context, agent core.Participant, id string) (core.Conversation, error) {
	if !agent.IsAgent() {
		return core.Conversation{}, core.ErrForbidden
	}
	conv, err := m.store.ReleaseLock(ctx, id, agent.ID)
	if err != nil {
		return conv, err
	}
	m.logger.Info("lock released", "conversation_id", id, "agent", agent.ID)
	m.broadcastLock(conv)
	return conv, nil
}

// Takeover reassigns the lock to a privileged agent regardless of the
// current holder. The dispossessed holder is notified.
func (m *Manager) Takeover(ctx context.Context, agent core.Participant, id string) (core.Conversation, error) {
	if !m.policy.CanOverride(agent) {
		return core.Conversation{}, fmt.Errorf("%w: takeover requires an override role", core.ErrForbidden)
	}
	previous, conv, err := m.store.ReassignLock(ctx, id, agent.ID, m.now())
	if err != nil {
		return conv, err
	}
	m.logger.Info("lock taken over", "conversation_id", id, "agent", agent.ID, "previous", previous)
	if previous != "" && previous != agent.ID {
		m.notifyHolder(previous, core.Event{Type: core.EventLockTakeover, Payload: core.LockNotice{
			ConversationID: id,
			Message:        fmt.Sprintf("conversation taken over by %s", agent.ID),
			Holder:         agent.ID,
		}})
	}
	m.broadcastLock(conv)
	return conv, nil
}

// Close moves the conversation to CLOSED. The caller must hold the lock or
// have override privilege.
func (m *Manager) Close(ctx context.Context, agent core.Participant, id string) (core.Conversation, error) {
	if !agent.IsAgent() {
		return core.Conversation{}, core.ErrForbidden
	}
	requireHolder := agent.ID
	if m.policy.CanOverride(agent) {
		requireHolder = ""
	}
	previous, conv, err := m.store.CloseConversation(ctx, id, requireHolder)
	if err != nil {
		return conv, err
	}
	m.logger.Info("conversation closed", "conversation_id", id, "agent", agent.ID)
	closed := core.Event{Type: core.EventClosed, Payload: core.ClosedNotice{ConversationID: id, ClosedBy: agent.ID}}
	m.notifier.NotifyVisitor(conv.VisitorSessionID, closed)
	if previous != "" && previous != agent.ID {
		// A dispossessed holder learns about it even if offline right now.
		if !m.notifier.NotifyAgent(previous, closed) {
			m.pending.push(previous, closed)
		}
	}
	m.notifier.NotifyAgents(core.ListUpdateFor(conv))
	return conv, nil
}

// Expire releases every lock whose last heartbeat is older than the expiry
// window, exactly as a manual release would.
func (m *Manager) Expire(ctx context.Context) ([]core.Lock, error) {
	now := m.now()
	expired, err := m.store.ExpireLocks(ctx, now.Add(-m.expiry))
	if err != nil {
		return nil, fmt.Errorf("expire locks: %w", err)
	}
	for _, l := range expired {
		m.logger.Info("lock expired", "conversation_id", l.ConversationID, "agent", l.AgentID,
			"idle", now.Sub(l.LastHeartbeat).Round(time.Millisecond))
		m.notifyHolder(l.AgentID, core.Event{Type: core.EventLockExpired, Payload: core.LockNotice{
			ConversationID: l.ConversationID,
			Message:        "lock expired after missed heartbeats",
		}})
		conv, err := m.store.GetConversation(ctx, l.ConversationID)
		if err != nil {
			if !errors.Is(err, core.ErrNotFound) {
				m.logger.Warn("reload expired conversation", "conversation_id", l.ConversationID, "error", err)
			}
			continue
		}
		m.broadcastLock(conv)
	}
	return expired, nil
}

// FlushPending delivers notices queued while agentID was offline.
func (m *Manager) FlushPending(agentID string) {
	for _, ev := range m.pending.take(agentID) {
		if !m.notifier.NotifyAgent(agentID, ev) {
			m.pending.push(agentID, ev)
			return
		}
	}
}

// PendingCount reports how many notices wait for agentID.
func (m *Manager) PendingCount(agentID string) int {
	return m.pending.len(agentID)
}

func (m *Manager) stale(conv core.Conversation) bool {
	l, ok := conv.Lock()
	return ok && !l.Valid(m.now(), m.expiry)
}

func (m *Manager) notifyHolder(agentID string, ev core.Event) {
	if !m.notifier.NotifyAgent(agentID, ev) {
		m.logger.Debug("holder offline, queueing notice", "agent", agentID, "type", ev.Type)
		m.pending.push(agentID, ev)
	}
}

func (m *Manager) broadcastLock(conv core.Conversation) {
	ev := core.LockUpdateFor(conv)
	m.notifier.NotifyVisitor(conv.VisitorSessionID, ev)
	m.notifier.NotifyAgents(ev)
}

type discard struct{}

func (discard) NotifyVisitor(string, core.Event)     {}
func (discard) NotifyAgent(string, core.Event) bool { return true }
func (discard) NotifyAgents(core.Event)             {}
