package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mistakeknot/supportline/internal/core"
	"github.com/mistakeknot/supportline/internal/storage"
)

const DefaultTypingTimeout = 6 * time.Second

// Signaler relays ephemeral typing indicators between the visitor and the
// holding agent of a locked conversation. Nothing is persisted.
type Signaler struct {
	store    storage.Store
	notifier core.Notifier
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[typingKey]*time.Timer
}

type typingKey struct {
	conversationID string
	role           core.Role
}

func New(store storage.Store, notifier core.Notifier, timeout time.Duration, logger *slog.Logger) *Signaler {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Signaler{
		store:    store,
		notifier: notifier,
		timeout:  timeout,
		logger:   logger.With("component", "presence"),
		timers:   make(map[typingKey]*time.Timer),
	}
}

// Typing forwards an indicator to the other side. A true that is not
// refreshed within the timeout is followed by an automatic false.
func (s *Signaler) Typing(ctx context.Context, from core.Participant, conversationID string, isTyping bool) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Status != core.StatusLocked {
		if conv.Status == core.StatusClosed {
			return core.ErrClosed
		}
		return core.ErrNotHolder
	}
	switch {
	case from.IsVisitor():
		if conv.VisitorSessionID != from.ID {
			return core.ErrForbidden
		}
	case from.IsAgent():
		if conv.Holder != from.ID {
			return core.ErrNotHolder
		}
	default:
		return core.ErrForbidden
	}

	key := typingKey{conversationID: conv.ID, role: from.Role}
	s.deliver(conv, from.Role, isTyping)
	if isTyping {
		s.arm(key, conv)
	} else {
		s.disarm(key)
	}
	return nil
}

// Stop cancels every pending auto-clear.
func (s *Signaler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, t := range s.timers {
		t.Stop()
		delete(s.timers, k)
	}
}

func (s *Signaler) arm(key typingKey, conv core.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(s.timeout, func() {
		s.mu.Lock()
		current, ok := s.timers[key]
		if !ok || current != timer {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()
		s.logger.Debug("typing indicator timed out", "conversation_id", key.conversationID, "role", key.role)
		s.deliver(conv, key.role, false)
	})
	s.timers[key] = timer
}

func (s *Signaler) disarm(key typingKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

func (s *Signaler) deliver(conv core.Conversation, from core.Role, isTyping bool) {
	ev := core.Event{Type: core.EventTyping, Payload: core.TypingNotice{
		ConversationID: conv.ID,
		Role:           from,
		IsTyping:       isTyping,
	}}
	if from == core.RoleVisitor {
		s.notifier.NotifyAgent(conv.Holder, ev)
		return
	}
	s.notifier.NotifyVisitor(conv.VisitorSessionID, ev)
}

func (s *Signaler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
