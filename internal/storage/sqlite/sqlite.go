package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"
	"github.com/mistakeknot/supportline/internal/core"
	"github.com/mistakeknot/supportline/internal/storage"
)

//go:embed schema.sql
var schema string

var _ storage.Store = (*Store)(nil)

type Store struct {
	db     dbHandle
	logger *slog.Logger
}

func New(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return open(db, true, logger)
}

func NewInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return open(db, false, nil)
}

func open(db *sql.DB, wal bool, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// One connection serializes writers; it also keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)
	pragmas := []string{"PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	logger = logger.With("component", "sqlite")
	return &Store{db: newQueryLogger(db, logger, defaultSlowQuery), logger: logger}, nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const conversationColumns = `id, visitor_session_id, visitor_name, visitor_email, status, holder,
	locked_at, last_heartbeat, created_at, last_activity, last_seq`

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (core.Conversation, error) {
	var (
		conv                                        core.Conversation
		status                                      string
		lockedAt, heartbeat, createdAt, lastActive int64
		lastSeq                                     int64
	)
	err := row.Scan(&conv.ID, &conv.VisitorSessionID, &conv.VisitorName, &conv.VisitorEmail, &status, &conv.Holder,
		&lockedAt, &heartbeat, &createdAt, &lastActive, &lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Conversation{}, core.ErrNotFound
	}
	if err != nil {
		return core.Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	conv.Status = core.Status(status)
	conv.LockedAt = fromNanos(lockedAt)
	conv.LastHeartbeat = fromNanos(heartbeat)
	conv.CreatedAt = fromNanos(createdAt)
	conv.LastActivity = fromNanos(lastActive)
	conv.LastSeq = uint64(lastSeq)
	return conv, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (s *Store) CreateConversation(ctx context.Context, conv core.Conversation) (core.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Conversation{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanConversation(tx.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE visitor_session_id = ? AND status != 'closed'`,
		conv.VisitorSessionID))
	if err == nil {
		return existing, tx.Commit()
	}
	if !errors.Is(err, core.ErrNotFound) {
		return core.Conversation{}, err
	}

	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	if conv.LastActivity.IsZero() {
		conv.LastActivity = conv.CreatedAt
	}
	conv.Status = core.StatusOpen
	conv.Holder = ""
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, visitor_session_id, visitor_name, visitor_email, status, created_at, last_activity)
		 VALUES (?, ?, ?, ?, 'open', ?, ?)`,
		conv.ID, conv.VisitorSessionID, conv.VisitorName, conv.VisitorEmail, toNanos(conv.CreatedAt), toNanos(conv.LastActivity),
	); err != nil {
		return core.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return core.Conversation{}, fmt.Errorf("commit: %w", err)
	}
	return conv, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (core.Conversation, error) {
	return scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
}

func (s *Store) ActiveConversation(ctx context.Context, visitorSessionID string) (core.Conversation, error) {
	return scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE visitor_session_id = ? AND status != 'closed'`,
		visitorSessionID))
}

func (s *Store) ListConversations(ctx context.Context, status core.Status, limit int) ([]core.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY last_activity DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []core.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}
