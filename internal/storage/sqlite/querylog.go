package sqlite

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"
)

const defaultSlowQuery = 100 * time.Millisecond

// dbHandle is what the Store talks to; *queryLogger satisfies it around a *sql.DB.
type dbHandle interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	PingContext(ctx context.Context) error
	Close() error
}

// queryLogger times statements and warns about the slow ones, labelled by
// statement kind and table so repeated offenders group together in logs.
type queryLogger struct {
	inner     *sql.DB
	logger    *slog.Logger
	threshold time.Duration
	now       func() time.Time
}

func newQueryLogger(db *sql.DB, logger *slog.Logger, threshold time.Duration) *queryLogger {
	if threshold <= 0 {
		threshold = defaultSlowQuery
	}
	return &queryLogger{inner: db, logger: logger, threshold: threshold, now: time.Now}
}

func (q *queryLogger) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer q.timed(ctx, query)()
	return q.inner.ExecContext(ctx, query, args...)
}

func (q *queryLogger) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	defer q.timed(ctx, query)()
	return q.inner.QueryContext(ctx, query, args...)
}

func (q *queryLogger) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	defer q.timed(ctx, query)()
	return q.inner.QueryRowContext(ctx, query, args...)
}

// BeginTx is timed to the first statement only; waiting on the single
// connection shows up here when writers queue.
func (q *queryLogger) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	defer q.timed(ctx, "BEGIN")()
	return q.inner.BeginTx(ctx, opts)
}

func (q *queryLogger) PingContext(ctx context.Context) error {
	return q.inner.PingContext(ctx)
}

func (q *queryLogger) Close() error {
	return q.inner.Close()
}

func (q *queryLogger) timed(ctx context.Context, query string) func() {
	start := q.now()
	return func() {
		d := q.now().Sub(start)
		if d < q.threshold || q.logger == nil {
			return
		}
		q.logger.WarnContext(ctx, "slow query",
			"statement", statementLabel(query),
			"duration", d.Round(time.Millisecond),
			"query", truncateQuery(query))
	}
}

// statementLabel reduces a statement to "VERB table", e.g. "UPDATE conversations".
func statementLabel(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	verb := strings.ToUpper(fields[0])
	var marker string
	switch verb {
	case "SELECT", "DELETE":
		marker = "FROM"
	case "INSERT":
		marker = "INTO"
	case "UPDATE":
		if len(fields) > 1 {
			return verb + " " + fields[1]
		}
		return verb
	default:
		return verb
	}
	for i, f := range fields[:len(fields)-1] {
		if strings.EqualFold(f, marker) {
			table := fields[i+1]
			if j := strings.IndexAny(table, "(,"); j > 0 {
				table = table[:j]
			}
			return verb + " " + table
		}
	}
	return verb
}

func truncateQuery(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
