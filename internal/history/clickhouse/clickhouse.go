package clickhouse

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/loykin/heapdumper/internal/history"
)

// Options selects the server and table.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

const DefaultTable = "heapdump_history"

// tableName matches a plain or database-qualified identifier. The table is
// interpolated into DDL and DML, so nothing else is accepted.
var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// ValidateTable rejects table names that are not plain identifiers.
func ValidateTable(name string) error {
	if !tableName.MatchString(name) {
		return fmt.Errorf("invalid clickhouse table name %q", name)
	}
	return nil
}

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(opts Options) (*Sink, error) {
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	if err := ValidateTable(opts.Table); err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s := &Sink{conn: conn, table: opts.Table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	err := s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			type String,
			occurred_at DateTime64(6),
			run_id String,
			pid Int32,
			file String,
			bytes Int64,
			duration_ms Int64,
			jmx_url String,
			error String
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, run_id)`)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, run_id, pid, file, bytes, duration_ms, jmx_url, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	rec := e.Record
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt.UTC(),
		rec.RunID,
		int32(rec.PID),
		rec.File,
		rec.Bytes,
		rec.DurationMS,
		rec.JMXServiceURL,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

// Recent returns the newest events first.
func (s *Sink) Recent(ctx context.Context, q history.Query) ([]history.Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = history.DefaultLimit
	}
	query := `SELECT type, occurred_at, run_id, pid, file, bytes, duration_ms, jmx_url, error FROM ` + s.table
	var args []any
	if q.PID != 0 {
		query += ` WHERE pid = ?`
		args = append(args, int32(q.PID))
	}
	query += fmt.Sprintf(` ORDER BY occurred_at DESC LIMIT %d`, limit)

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ClickHouse: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var (
			typ string
			pid int32
			e   history.Event
		)
		if err := rows.Scan(&typ, &e.OccurredAt, &e.Record.RunID, &pid, &e.Record.File,
			&e.Record.Bytes, &e.Record.DurationMS, &e.Record.JMXServiceURL, &e.Record.Error); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		e.OccurredAt = e.OccurredAt.UTC()
		e.Record.PID = int(pid)
		out = append(out, e)
	}
	return out, rows.Err()
}
