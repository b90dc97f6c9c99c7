package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLSink appends events to the heapdump_history table. The sqlite and
// postgres subpackages open the database with their driver; the schema is
// created if missing.
type SQLSink struct {
	db      *sql.DB
	dialect string // "sqlite" or "postgres"
}

// NewSQLSink wraps an open database. dialect selects placeholder and type
// syntax and must be "sqlite" or "postgres".
func NewSQLSink(ctx context.Context, db *sql.DB, dialect string) (*SQLSink, error) {
	if dialect != "sqlite" && dialect != "postgres" {
		return nil, fmt.Errorf("unsupported SQL dialect %q", dialect)
	}
	s := &SQLSink{db: db, dialect: dialect}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	var stmts []string
	if s.dialect == "sqlite" {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS heapdump_history(
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				occurred_at TIMESTAMP NOT NULL,
				event TEXT NOT NULL,
				run_id TEXT NOT NULL,
				pid INTEGER NOT NULL,
				file TEXT NOT NULL,
				bytes INTEGER NOT NULL,
				duration_ms INTEGER NOT NULL,
				jmx_url TEXT NULL,
				error TEXT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_heapdump_history_pid ON heapdump_history(pid);`,
		}
	} else {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS heapdump_history(
				id BIGSERIAL PRIMARY KEY,
				occurred_at TIMESTAMPTZ NOT NULL,
				event TEXT NOT NULL,
				run_id TEXT NOT NULL,
				pid INTEGER NOT NULL,
				file TEXT NOT NULL,
				bytes BIGINT NOT NULL,
				duration_ms BIGINT NOT NULL,
				jmx_url TEXT NULL,
				error TEXT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_heapdump_history_pid ON heapdump_history(pid);`,
		}
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	rec := e.Record
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO heapdump_history(occurred_at, event, run_id, pid, file, bytes, duration_ms, jmx_url, error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`),
		e.OccurredAt.UTC(), string(e.Type), rec.RunID, rec.PID, rec.File, rec.Bytes, rec.DurationMS,
		nullString(rec.JMXServiceURL), nullString(rec.Error))
	return err
}

// Recent returns the newest events first.
func (s *SQLSink) Recent(ctx context.Context, q Query) ([]Event, error) {
	query := `SELECT occurred_at, event, run_id, pid, file, bytes, duration_ms, jmx_url, error FROM heapdump_history`
	var args []any
	if q.PID != 0 {
		query += ` WHERE pid = ?`
		args = append(args, q.PID)
	}
	query += ` ORDER BY occurred_at DESC, id DESC LIMIT ?`
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			e          Event
			typ        string
			occurred   time.Time
			jmx, errMs sql.NullString
		)
		if err := rows.Scan(&occurred, &typ, &e.Record.RunID, &e.Record.PID, &e.Record.File,
			&e.Record.Bytes, &e.Record.DurationMS, &jmx, &errMs); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.OccurredAt = occurred.UTC()
		e.Record.JMXServiceURL = jmx.String
		e.Record.Error = errMs.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLSink) Close() error { return s.db.Close() }

// rebind turns ? placeholders into $n for postgres.
func (s *SQLSink) rebind(q string) string {
	if s.dialect != "postgres" {
		return q
	}
	out := make([]byte, 0, len(q)+8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, q[i])
	}
	return string(out)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
