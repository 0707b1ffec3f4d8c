package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mistakeknot/supportline/internal/core"
	"github.com/mistakeknot/supportline/internal/storage"
)

// AcquireLock is a compare-and-set on status: the UPDATE only matches an open
// row, so two concurrent claims can never both succeed.
func (s *Store) AcquireLock(ctx context.Context, id, agentID string, now time.Time) (core.Conversation, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = 'locked', holder = ?, locked_at = ?, last_heartbeat = ?
		 WHERE id = ? AND status = 'open'`,
		agentID, toNanos(now), toNanos(now), id,
	)
	if err != nil {
		return core.Conversation{}, fmt.Errorf("acquire lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return s.GetConversation(ctx, id)
	}

	// Same holder re-opening is idempotent and counts as a heartbeat.
	res, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET last_heartbeat = ? WHERE id = ? AND status = 'locked' AND holder = ?`,
		toNanos(now), id, agentID,
	)
	if err != nil {
		return core.Conversation{}, fmt.Errorf("refresh lock: %w", err)
	}
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return core.Conversation{}, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return conv, nil
	}
	switch conv.Status {
	case core.StatusClosed:
		return conv, core.ErrClosed
	case core.StatusLocked:
		return conv, &core.LockError{ConversationID: id, LockedBy: conv.Holder}
	default:
		// Released between the two statements; let the caller retry.
		return conv, fmt.Errorf("acquire lock: conversation %s changed concurrently", id)
	}
}

func (s *Store) ReleaseLock(ctx context.Context, id, agentID string) (core.Conversation, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = 'open', holder = '', locked_at = 0, last_heartbeat = 0
		 WHERE id = ? AND status = 'locked' AND holder = ?`,
		id, agentID,
	)
	if err != nil {
		return core.Conversation{}, fmt.Errorf("release lock: %w", err)
	}
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return core.Conversation{}, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return conv, nil
	}
	if conv.Status == core.StatusClosed {
		return conv, core.ErrClosed
	}
	return conv, core.ErrNotHolder
}

func (s *Store) ReassignLock(ctx context.Context, id, agentID string, now time.Time) (string, core.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", core.Conversation{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	conv, err := scanConversation(tx.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if err != nil {
		return "", core.Conversation{}, err
	}
	if conv.Status == core.StatusClosed {
		return "", conv, core.ErrClosed
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET status = 'locked', holder = ?, locked_at = ?, last_heartbeat = ? WHERE id = ?`,
		agentID, toNanos(now), toNanos(now), id,
	); err != nil {
		return "", core.Conversation{}, fmt.Errorf("reassign lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", core.Conversation{}, fmt.Errorf("commit: %w", err)
	}
	previous := conv.Holder
	conv.Status = core.StatusLocked
	conv.Holder = agentID
	conv.LockedAt = now.UTC()
	conv.LastHeartbeat = now.UTC()
	return previous, conv, nil
}

// closeAttempts bounds how often CloseConversation re-reads a row that moved
// under it before giving up.
const closeAttempts = 3

// CloseConversation is a compare-and-set on the observed status and holder: a
// takeover or expiry landing between the read and the UPDATE makes the UPDATE
// miss, and the guard is re-evaluated against the new state.
func (s *Store) CloseConversation(ctx context.Context, id, requireHolder string) (string, core.Conversation, error) {
	for attempt := 0; attempt < closeAttempts; attempt++ {
		conv, err := s.GetConversation(ctx, id)
		if err != nil {
			return "", core.Conversation{}, err
		}
		if err := storage.CheckClose(conv, requireHolder); err != nil {
			return "", conv, err
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE conversations SET status = 'closed', holder = '', locked_at = 0, last_heartbeat = 0
			 WHERE id = ? AND status = ? AND holder = ?`,
			id, string(conv.Status), conv.Holder,
		)
		if err != nil {
			return "", core.Conversation{}, fmt.Errorf("close conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			previous := conv.Holder
			conv.Status = core.StatusClosed
			conv.Holder = ""
			conv.LockedAt = time.Time{}
			conv.LastHeartbeat = time.Time{}
			return previous, conv, nil
		}
	}
	return "", core.Conversation{}, fmt.Errorf("close conversation: %s changed concurrently", id)
}

func (s *Store) Heartbeat(ctx context.Context, agentID string, now time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	ids, err := collectIDs(ctx, tx,
		`SELECT id FROM conversations WHERE status = 'locked' AND holder = ? ORDER BY id`, agentID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_heartbeat = ? WHERE status = 'locked' AND holder = ?`,
		toNanos(now), agentID,
	); err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	return ids, tx.Commit()
}

func (s *Store) ExpireLocks(ctx context.Context, heartbeatBefore time.Time) ([]core.Lock, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, holder, locked_at, last_heartbeat FROM conversations
		 WHERE status = 'locked' AND last_heartbeat < ? ORDER BY id`,
		toNanos(heartbeatBefore),
	)
	if err != nil {
		return nil, fmt.Errorf("query expired locks: %w", err)
	}
	var expired []core.Lock
	for rows.Next() {
		var (
			lock                core.Lock
			lockedAt, heartbeat int64
		)
		if err := rows.Scan(&lock.ConversationID, &lock.AgentID, &lockedAt, &heartbeat); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired lock: %w", err)
		}
		lock.AcquiredAt = fromNanos(lockedAt)
		lock.LastHeartbeat = fromNanos(heartbeat)
		expired = append(expired, lock)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	reopened, err := reopenExpired(ctx, tx, expired)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return reopened, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// reopenExpired releases each candidate only if it is still held by the same
// agent with the same heartbeat, and returns the locks it actually released.
func reopenExpired(ctx context.Context, db execer, candidates []core.Lock) ([]core.Lock, error) {
	var reopened []core.Lock
	for _, lock := range candidates {
		res, err := db.ExecContext(ctx,
			`UPDATE conversations SET status = 'open', holder = '', locked_at = 0, last_heartbeat = 0
			 WHERE id = ? AND status = 'locked' AND holder = ? AND last_heartbeat = ?`,
			lock.ConversationID, lock.AgentID, toNanos(lock.LastHeartbeat),
		)
		if err != nil {
			return nil, fmt.Errorf("expire lock: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, fmt.Errorf("expire lock: %w", err)
		} else if n == 1 {
			reopened = append(reopened, lock)
		}
	}
	return reopened, nil
}

func collectIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
