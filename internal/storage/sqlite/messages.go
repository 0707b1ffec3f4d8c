package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/supportline/internal/core"
	"github.com/mistakeknot/supportline/internal/storage"
)

const messageColumns = `id, conversation_id, seq, sender_role, sender_id, content, idempotency_key, created_at`

// AppendMessage reads the conversation, checks the guard, and inserts at
// last_seq+1 inside one transaction.
func (s *Store) AppendMessage(ctx context.Context, req storage.AppendRequest) (core.Message, bool, error) {
	msg := req.Message
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Message{}, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	conv, err := scanConversation(tx.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, msg.ConversationID))
	if err != nil {
		return core.Message{}, false, err
	}

	if msg.IdempotencyKey != "" {
		existing, err := scanMessage(tx.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND idempotency_key = ?`,
			msg.ConversationID, msg.IdempotencyKey))
		if err == nil {
			return existing, false, tx.Commit()
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return core.Message{}, false, err
		}
	}

	if err := storage.CheckAppend(conv, req); err != nil {
		return core.Message{}, false, err
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.Seq = conv.LastSeq + 1

	var key any
	if msg.IdempotencyKey != "" {
		key = msg.IdempotencyKey
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, int64(msg.Seq), string(msg.SenderRole), msg.SenderID, msg.Content, key, toNanos(msg.CreatedAt),
	); err != nil {
		return core.Message{}, false, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_seq = ?, last_activity = ? WHERE id = ?`,
		int64(msg.Seq), toNanos(msg.CreatedAt), msg.ConversationID,
	); err != nil {
		return core.Message{}, false, fmt.Errorf("update conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return core.Message{}, false, fmt.Errorf("commit: %w", err)
	}
	return msg, true, nil
}

func (s *Store) Messages(ctx context.Context, conversationID string, afterSeq uint64) ([]core.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND seq > ? ORDER BY seq ASC`,
		conversationID, int64(afterSeq),
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []core.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

// scanMessage returns sql.ErrNoRows unwrapped so callers can branch on it.
func scanMessage(row scanner) (core.Message, error) {
	var (
		msg            core.Message
		seq, createdAt int64
		role           string
		key            sql.NullString
	)
	err := row.Scan(&msg.ID, &msg.ConversationID, &seq, &role, &msg.SenderID, &msg.Content, &key, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Message{}, err
	}
	if err != nil {
		return core.Message{}, fmt.Errorf("scan message: %w", err)
	}
	msg.Seq = uint64(seq)
	msg.SenderRole = core.Role(role)
	msg.IdempotencyKey = key.String
	msg.CreatedAt = fromNanos(createdAt)
	return msg, nil
}
