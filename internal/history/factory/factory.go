// Package factory resolves history sink DSNs into sink instances.
package factory

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/botkeepr/botkeepr/internal/history"
	"github.com/botkeepr/botkeepr/internal/history/clickhouse"
	"github.com/botkeepr/botkeepr/internal/history/opensearch"
)

// NewSinkFromDSN builds a sink for dsn. Supported forms:
//   - "clickhouse://[user[:pass]@]host:port?database=db&table=tbl"
//   - "opensearch://host:port/index" (also "elasticsearch://",
//     "opensearchs://" and "elasticsearchs://" for HTTPS)
//
// Relational persistence of run records is the store's job, not a
// sink's, so SQL DSNs are rejected here.
func NewSinkFromDSN(dsn string) (history.Sink, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty history sink DSN")
	}
	scheme, _, ok := strings.Cut(strings.ToLower(d), "://")
	if !ok {
		return nil, fmt.Errorf("history sink DSN %q: missing scheme", dsn)
	}
	switch scheme {
	case "clickhouse":
		return parseClickHouse(d)
	case "opensearch", "elasticsearch":
		return parseOpenSearch(d, "http")
	case "opensearchs", "elasticsearchs":
		return parseOpenSearch(d, "https")
	case "sqlite", "postgres", "postgresql":
		return nil, fmt.Errorf("history sink DSN %q: SQL backends belong in [daemon].store", dsn)
	default:
		return nil, fmt.Errorf("unsupported history sink DSN %q", dsn)
	}
}

func parseClickHouse(dsn string) (history.Sink, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse DSN: %w", err)
	}
	addr := u.Host
	if addr == "" {
		addr = "localhost:9000"
	}
	q := u.Query()
	table := q.Get("table")
	if table == "" {
		table = "program_events"
	}
	opts := clickhouse.Options{Database: q.Get("database")}
	if u.User != nil {
		opts.Username = u.User.Username()
		opts.Password, _ = u.User.Password()
	}
	return clickhouse.New(addr, table, opts)
}

func parseOpenSearch(dsn, scheme string) (history.Sink, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("opensearch DSN: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("opensearch DSN %q: missing host", dsn)
	}
	index := strings.Trim(u.Path, "/")
	if index == "" {
		index = "program-events"
	}
	return opensearch.New(scheme+"://"+u.Host, index), nil
}
