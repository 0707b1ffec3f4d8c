package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/supportline/internal/core"
)

// AppendRequest carries a message plus the authorization guard that must
// hold at the moment of insertion.
type AppendRequest struct {
	Message core.Message
	// RequireHolder rejects the append unless the conversation is locked by this agent.
	RequireHolder string
	// RequireVisitor rejects the append unless the conversation belongs to this visitor session.
	RequireVisitor string
}

// Store is the persistence collaborator used by the lock manager and the
// message router. Lock transitions are compare-and-set operations: the store
// is the single authority that serializes concurrent claims.
type Store interface {
	CreateConversation(ctx context.Context, conv core.Conversation) (core.Conversation, error)
	GetConversation(ctx context.Context, id string) (core.Conversation, error)
	// ActiveConversation returns the visitor's non-closed conversation or core.ErrNotFound.
	ActiveConversation(ctx context.Context, visitorSessionID string) (core.Conversation, error)
	ListConversations(ctx context.Context, status core.Status, limit int) ([]core.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	// AcquireLock moves an open conversation to locked. The returned
	// conversation is populated on conflict so callers can show it read-only.
	AcquireLock(ctx context.Context, id, agentID string, now time.Time) (core.Conversation, error)
	ReleaseLock(ctx context.Context, id, agentID string) (core.Conversation, error)
	// ReassignLock forcibly hands the lock to agentID and returns the previous holder.
	ReassignLock(ctx context.Context, id, agentID string, now time.Time) (string, core.Conversation, error)
	// CloseConversation moves a conversation to closed and returns the holder it
	// had at that moment. A non-empty requireHolder makes the close conditional
	// on that agent holding the lock when the transition is applied.
	CloseConversation(ctx context.Context, id, requireHolder string) (string, core.Conversation, error)
	// Heartbeat refreshes every lock held by agentID and returns the refreshed conversation ids.
	Heartbeat(ctx context.Context, agentID string, now time.Time) ([]string, error)
	// ExpireLocks reopens conversations whose last heartbeat is older than heartbeatBefore.
	ExpireLocks(ctx context.Context, heartbeatBefore time.Time) ([]core.Lock, error)

	// AppendMessage assigns the next sequence number and persists msg. A repeated
	// idempotency key returns the original message with created=false.
	AppendMessage(ctx context.Context, req AppendRequest) (msg core.Message, created bool, err error)
	Messages(ctx context.Context, conversationID string, afterSeq uint64) ([]core.Message, error)
}

// InMemory is a mutex-guarded store for tests and embedded use.
type InMemory struct {
	mu            sync.Mutex
	conversations map[string]core.Conversation
	messages      map[string][]core.Message
	keys          map[string]map[string]core.Message // conversation -> idempotency key -> message
	nextID        func() string
}

func NewInMemory() *InMemory {
	return &InMemory{
		conversations: make(map[string]core.Conversation),
		messages:      make(map[string][]core.Message),
		keys:          make(map[string]map[string]core.Message),
		nextID:        uuid.NewString,
	}
}

func (m *InMemory) CreateConversation(_ context.Context, conv core.Conversation) (core.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.conversations {
		if existing.VisitorSessionID == conv.VisitorSessionID && existing.Status != core.StatusClosed {
			return existing, nil
		}
	}
	if conv.ID == "" {
		conv.ID = m.nextID()
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.LastActivity.IsZero() {
		conv.LastActivity = conv.CreatedAt
	}
	conv.Status = core.StatusOpen
	conv.Holder = ""
	m.conversations[conv.ID] = conv
	return conv, nil
}

func (m *InMemory) GetConversation(_ context.Context, id string) (core.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return core.Conversation{}, core.ErrNotFound
	}
	return conv, nil
}

func (m *InMemory) ActiveConversation(_ context.Context, visitorSessionID string) (core.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conv := range m.conversations {
		if conv.VisitorSessionID == visitorSessionID && conv.Status != core.StatusClosed {
			return conv, nil
		}
	}
	return core.Conversation{}, core.ErrNotFound
}

func (m *InMemory) ListConversations(_ context.Context, status core.Status, limit int) ([]core.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Conversation
	for _, conv := range m.conversations {
		if status == "" || conv.Status == status {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *InMemory) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[id]; !ok {
		return core.ErrNotFound
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	delete(m.keys, id)
	return nil
}

func (m *InMemory) AcquireLock(_ context.Context, id, agentID string, now time.Time) (core.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return core.Conversation{}, core.ErrNotFound
	}
	switch conv.Status {
	case core.StatusClosed:
		return conv, core.ErrClosed
	case core.StatusLocked:
		if conv.Holder != agentID {
			return conv, &core.LockError{ConversationID: id, LockedBy: conv.Holder}
		}
		conv.LastHeartbeat = now
	default:
		conv.Status = core.StatusLocked
		conv.Holder = agentID
		conv.LockedAt = now
		conv.LastHeartbeat = now
	}
	m.conversations[id] = conv
	return conv, nil
}

func (m *InMemory) ReleaseLock(_ context.Context, id, agentID string) (core.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return core.Conversation{}, core.ErrNotFound
	}
	if conv.Status == core.StatusClosed {
		return conv, core.ErrClosed
	}
	if conv.Status != core.StatusLocked || conv.Holder != agentID {
		return conv, core.ErrNotHolder
	}
	conv = reopen(conv)
	m.conversations[id] = conv
	return conv, nil
}

func (m *InMemory) ReassignLock(_ context.Context, id, agentID string, now time.Time) (string, core.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return "", core.Conversation{}, core.ErrNotFound
	}
	if conv.Status == core.StatusClosed {
		return "", conv, core.ErrClosed
	}
	previous := conv.Holder
	conv.Status = core.StatusLocked
	conv.Holder = agentID
	conv.LockedAt = now
	conv.LastHeartbeat = now
	m.conversations[id] = conv
	return previous, conv, nil
}

func (m *InMemory) CloseConversation(_ context.Context, id, requireHolder string) (string, core.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return "", core.Conversation{}, core.ErrNotFound
	}
	if err := CheckClose(conv, requireHolder); err != nil {
		return "", conv, err
	}
	previous := conv.Holder
	conv.Status = core.StatusClosed
	conv.Holder = ""
	conv.LockedAt = time.Time{}
	conv.LastHeartbeat = time.Time{}
	m.conversations[id] = conv
	return previous, conv, nil
}

func (m *InMemory) Heartbeat(_ context.Context, agentID string, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, conv := range m.conversations {
		if conv.Status == core.StatusLocked && conv.Holder == agentID {
			conv.LastHeartbeat = now
			m.conversations[id] = conv
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *InMemory) ExpireLocks(_ context.Context, heartbeatBefore time.Time) ([]core.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []core.Lock
	for id, conv := range m.conversations {
		lock, ok := conv.Lock()
		if !ok || !lock.LastHeartbeat.Before(heartbeatBefore) {
			continue
		}
		expired = append(expired, lock)
		m.conversations[id] = reopen(conv)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ConversationID < expired[j].ConversationID })
	return expired, nil
}

func (m *InMemory) AppendMessage(_ context.Context, req AppendRequest) (core.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := req.Message
	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return core.Message{}, false, core.ErrNotFound
	}
	if msg.IdempotencyKey != "" {
		if existing, ok := m.keys[conv.ID][msg.IdempotencyKey]; ok {
			return existing, false, nil
		}
	}
	if err := CheckAppend(conv, req); err != nil {
		return core.Message{}, false, err
	}
	if msg.ID == "" {
		msg.ID = m.nextID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.Seq = conv.LastSeq + 1
	conv.LastSeq = msg.Seq
	conv.LastActivity = msg.CreatedAt
	m.conversations[conv.ID] = conv
	m.messages[conv.ID] = append(m.messages[conv.ID], msg)
	if msg.IdempotencyKey != "" {
		if _, ok := m.keys[conv.ID]; !ok {
			m.keys[conv.ID] = make(map[string]core.Message)
		}
		m.keys[conv.ID][msg.IdempotencyKey] = msg
	}
	return msg, true, nil
}

func (m *InMemory) Messages(_ context.Context, conversationID string, afterSeq uint64) ([]core.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[conversationID]; !ok {
		return nil, core.ErrNotFound
	}
	var out []core.Message
	for _, msg := range m.messages[conversationID] {
		if msg.Seq > afterSeq {
			out = append(out, msg)
		}
	}
	return out, nil
}

func reopen(conv core.Conversation) core.Conversation {
	conv.Status = core.StatusOpen
	conv.Holder = ""
	conv.LockedAt = time.Time{}
	conv.LastHeartbeat = time.Time{}
	return conv
}

// CheckAppend applies the append guard against the current conversation row.
func CheckAppend(conv core.Conversation, req AppendRequest) error {
	if conv.Status == core.StatusClosed {
		return core.ErrClosed
	}
	if req.RequireVisitor != "" && conv.VisitorSessionID != req.RequireVisitor {
		return core.ErrForbidden
	}
	if req.RequireHolder != "" && (conv.Status != core.StatusLocked || conv.Holder != req.RequireHolder) {
		return core.ErrNotHolder
	}
	return nil
}

// CheckClose reports why conv cannot be closed by requireHolder. An empty
// requireHolder closes regardless of the lock.
func CheckClose(conv core.Conversation, requireHolder string) error {
	if conv.Status == core.StatusClosed {
		return core.ErrClosed
	}
	if requireHolder == "" {
		return nil
	}
	switch {
	case conv.Status == core.StatusLocked && conv.Holder != requireHolder:
		return &core.LockError{ConversationID: conv.ID, LockedBy: conv.Holder}
	case conv.Status != core.StatusLocked:
		return fmt.Errorf("%w: open the conversation before closing it", core.ErrNotHolder)
	}
	return nil
}

