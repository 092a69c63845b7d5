// Package opensearch ships lifecycle events to an OpenSearch (or
// Elasticsearch) index over plain HTTP.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/botkeepr/botkeepr/internal/history"
)

// Sink POSTs one document per event to {base}/{index}/_doc.
type Sink struct {
	client *http.Client
	base   string
	index  string
}

// New builds a sink for baseURL (e.g. "http://localhost:9200").
func New(baseURL, index string) *Sink {
	return &Sink{
		client: &http.Client{Timeout: 5 * time.Second},
		base:   strings.TrimRight(baseURL, "/"),
		index:  index,
	}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("opensearch encode: %w", err)
	}
	url := s.base + "/" + s.index + "/_doc"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("opensearch send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch status %d for index %s", resp.StatusCode, s.index)
	}
	return nil
}
