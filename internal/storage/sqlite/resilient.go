package sqlite

import (
	"context"
	"log/slog"
	"time"

	"github.com/mistakeknot/supportline/internal/core"
	"github.com/mistakeknot/supportline/internal/storage"
)

// Compile-time interface check.
var _ storage.Store = (*ResilientStore)(nil)

// ResilientStore wraps every method of *Store with CircuitBreaker + RetryOnBusy
// to provide resilience against transient SQLite errors (database-is-locked,
// connection failures, etc.).
type ResilientStore struct {
	inner *Store
	cb    *CircuitBreaker
}

// NewResilient creates a ResilientStore with default circuit breaker settings
// (threshold=5, resetTimeout=30s).
func NewResilient(inner *Store) *ResilientStore {
	return NewResilientWithBreaker(inner, NewCircuitBreaker(5, 30*time.Second))
}

// NewResilientWithBreaker creates a ResilientStore with a custom circuit breaker.
func NewResilientWithBreaker(inner *Store, cb *CircuitBreaker) *ResilientStore {
	logger := inner.logger
	if logger == nil {
		logger = slog.Default()
	}
	cb.OnStateChange(func(from, to BreakerState) {
		logger.Warn("circuit breaker transition", "from", from.String(), "to", to.String())
	})
	return &ResilientStore{inner: inner, cb: cb}
}

// CircuitBreakerState returns the current state of the circuit breaker as a string.
func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

// Ping checks the database through the breaker.
func (r *ResilientStore) Ping(ctx context.Context) error {
	return r.cb.Execute(func() error { return r.inner.db.PingContext(ctx) })
}

func (r *ResilientStore) Close() error {
	return r.inner.Close()
}

func (r *ResilientStore) run(ctx context.Context, fn func() error) error {
	return r.cb.Execute(func() error {
		return RetryOnBusy(ctx, fn)
	})
}

func (r *ResilientStore) CreateConversation(ctx context.Context, conv core.Conversation) (core.Conversation, error) {
	var result core.Conversation
	err := r.run(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.CreateConversation(ctx, conv)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) GetConversation(ctx context.Context, id string) (core.Conversation, error) {
	var result core.Conversation
	err := r.run(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.GetConversation(ctx, id)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ActiveConversation(ctx context.Context, visitorSessionID string) (core.Conversation, error) {
	var result core.Conversation
	err := r.run(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.ActiveConversation(ctx, visitorSessionID)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListConversations(ctx context.Context, status core.Status, limit int) ([]core.Conversation, error) {
	var result []core.Conversation
	err := r.run(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.ListConversations(ctx, status, limit)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) DeleteConversation(ctx context.Context, id string) error {
	return r.run(ctx, func() error {
		return r.inner.DeleteConversation(ctx, id)
	})
}

func (r *ResilientStore) AcquireLock(ctx context.Context, id, agentID string, now time.Time) (core.Conversation, error) {
	var result core.Conversation
	err := r.run(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.AcquireLock(ctx, id, agentID, now)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ReleaseLock(ctx context.Context, id, agentID string) (core.Conversation, error) {
	var result core.Conversation
	err := r.run(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.ReleaseLock(ctx, id, agentID)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ReassignLock(ctx context.Context, id, agentID string, now time.Time) (string, core.Conversation, error) {
	var (
		previous string
		result   core.Conversation
	)
	err := r.run(ctx, func() error {
		var innerErr error
		previous, result, innerErr = r.inner.ReassignLock(ctx, id, agentID, now)
		return innerErr
	})
	return previous, result, err
}

func (r *ResilientStore) CloseConversation(ctx context.Context, id, requireHolder string) (string, core.Conversation, error) {
	var (
		previous string
		result   core.Conversation
	)
	err := r.run(ctx, func() error {
		var innerErr error
		previous, result, innerErr = r.inner.CloseConversation(ctx, id, requireHolder)
		return innerErr
	})
	return previous, result, err
}

func (r *ResilientStore) Heartbeat(ctx context.Context, agentID string, now time.Time) ([]string, error) {
	var result []string
	err := r.run(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.Heartbeat(ctx, agentID, now)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ExpireLocks(ctx context.Context, heartbeatBefore time.Time) ([]core.Lock, error) {
	var result []core.Lock
	err := r.run(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.ExpireLocks(ctx, heartbeatBefore)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) AppendMessage(ctx context.Context, req storage.AppendRequest) (core.Message, bool, error) {
	var (
		result  core.Message
		created bool
	)
	err := r.run(ctx, func() error {
		var innerErr error
		result, created, innerErr = r.inner.AppendMessage(ctx, req)
		return innerErr
	})
	return result, created, err
}

func (r *ResilientStore) Messages(ctx context.Context, conversationID string, afterSeq uint64) ([]core.Message, error) {
	var result []core.Message
	err := r.run(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.Messages(ctx, conversationID, afterSeq)
		return innerErr
	})
	return result, err
}
