package factory

import (
	"errors"
	"strings"

	"github.com/botkeepr/botkeepr/internal/store"
	pg "github.com/botkeepr/botkeepr/internal/store/postgres"
	sq "github.com/botkeepr/botkeepr/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - sqlite:  "sqlite://<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		path := strings.TrimPrefix(d, "sqlite://")
		return sq.New(path)
	}
	// default to sqlite path
	return sq.New(d)
}

// SQLitePath returns the local database file behind a sqlite DSN, or
// empty for in-memory databases and non-sqlite DSNs. Lets callers
// pre-create the parent directory.
func SQLitePath(dsn string) string {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" || ld == ":memory:" {
		return ""
	}
	if strings.HasPrefix(ld, "sqlite://") {
		d = strings.TrimPrefix(d, "sqlite://")
		if strings.ToLower(d) == ":memory:" {
			return ""
		}
		return d
	}
	if strings.Contains(ld, "://") {
		return ""
	}
	return d
}
