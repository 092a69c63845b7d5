// Package store persists per-run supervision records so a restarted
// daemon can see what ran before it and operators can query recent
// runs. One row exists per child spawn, keyed by name plus spawn time.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Record is one supervised run of a program.
type Record struct {
	ID        int64
	Name      string
	PID       int
	State     string
	StartedAt time.Time
	StoppedAt sql.NullTime
	ExitErr   sql.NullString
	Uniq      string
	UpdatedAt time.Time
}

// Key derives the unique row key for this run. Spawn time at record
// granularity is unique per program: a program has at most one live
// child at a time.
func (r Record) Key() string {
	return fmt.Sprintf("%s:%d", r.Name, r.StartedAt.UTC().UnixNano())
}

// Config mirrors the [daemon] store settings.
type Config struct {
	// DSN selects the backend: postgres://... for PostgreSQL, anything
	// else is a SQLite path (optionally sqlite:// prefixed). Empty
	// disables persistence.
	DSN string `mapstructure:"dsn"`
	// Retention prunes finished runs older than this. Zero keeps all.
	Retention time.Duration `mapstructure:"retention"`
}

// Store persists run records.
type Store interface {
	EnsureSchema(ctx context.Context) error
	// RecordStart upserts a fresh running row for rec's key.
	RecordStart(ctx context.Context, rec Record) error
	// RecordStop finalizes the row identified by uniq.
	RecordStop(ctx context.Context, uniq string, stoppedAt time.Time, exitErr error) error
	// UpsertStatus writes the record as-is, used for state changes
	// between start and stop.
	UpsertStatus(ctx context.Context, rec Record) error
	GetByName(ctx context.Context, name string, limit int) ([]Record, error)
	GetRunning(ctx context.Context, namePrefix string) ([]Record, error)
	PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}
