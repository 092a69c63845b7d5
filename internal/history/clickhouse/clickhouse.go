// Package clickhouse ships lifecycle events to a ClickHouse table over
// the native protocol.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/botkeepr/botkeepr/internal/history"
)

// Options configure the connection beyond host and table.
type Options struct {
	Database string
	Username string
	Password string
}

// Sink writes events into one ClickHouse table.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects to addr ("host:9000") and verifies the server responds.
func New(addr, table string, opts Options) (*Sink, error) {
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse connect: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return &Sink{conn: conn, table: table}, nil
}

// EnsureTable creates the event table when missing, matching the
// columns Send writes.
func (s *Sink) EnsureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		type String,
		occurred_at DateTime64(6),
		name String,
		pid Int64,
		state String,
		started_at DateTime64(6),
		stopped_at Nullable(DateTime64(6)),
		exit_err Nullable(String),
		run_key String
	) ENGINE = MergeTree() ORDER BY (occurred_at, run_key)`, s.table)
	if err := s.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("clickhouse ensure table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (type, occurred_at, name, pid, state, started_at, stopped_at, exit_err, run_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	var stoppedAt *time.Time
	if !e.StoppedAt.IsZero() {
		t := e.StoppedAt
		stoppedAt = &t
	}
	var exitErr *string
	if e.ExitErr != "" {
		v := e.ExitErr
		exitErr = &v
	}
	if err := s.conn.Exec(ctx, query,
		string(e.Type), e.OccurredAt, e.Name, int64(e.PID), e.State,
		e.StartedAt, stoppedAt, exitErr, e.RunKey,
	); err != nil {
		return fmt.Errorf("clickhouse insert: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
