// Package client talks to a running botkeepr daemon over its control
// API, through either the unix socket or a TCP listener. It mirrors
// the daemon's wire types so importers stay decoupled from the daemon
// internals.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors unwrapped from daemon responses, so callers can
// branch without parsing messages.
var (
	ErrNotFound    = errors.New("unknown program")
	ErrConflict    = errors.New("already running")
	ErrUnavailable = errors.New("daemon shutting down")
)

// APIError is a non-OK daemon response.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string { return e.Message }

func (e *APIError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusServiceUnavailable:
		return ErrUnavailable
	}
	return nil
}

// Config holds client configuration.
type Config struct {
	// ServerURL is unix:///run/botkeepr.sock, http://host:port or
	// https://host:port.
	ServerURL string
	// BasePath prefixes every endpoint, matching the daemon's
	// [server] base_path.
	BasePath string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Client is an HTTP client for the daemon's control API.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// New builds a client for the given server URL. https URLs verify
// against the system roots.
func New(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server URL required")
	}
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("server URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	base := sanitizeBase(cfg.BasePath)

	c := &Client{log: log}
	switch u.Scheme {
	case "unix":
		// unix:///run/x.sock parses the path alone; unix://run/x.sock
		// puts the first segment in Host, so stitch it back.
		sock := u.Path
		if u.Host != "" {
			sock = u.Host + u.Path
		}
		if sock == "" {
			sock = u.Opaque
		}
		if sock == "" {
			return nil, fmt.Errorf("server URL %q: missing socket path", cfg.ServerURL)
		}
		// The host part is a placeholder; every request goes through
		// the socket dial below.
		c.baseURL = "http://botkeepr" + base
		c.http = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", sock)
				},
			},
		}
	case "http", "https":
		c.baseURL = strings.TrimRight(cfg.ServerURL, "/") + base
		c.http = &http.Client{Timeout: timeout}
	default:
		return nil, fmt.Errorf("server URL %q: unsupported scheme %q", cfg.ServerURL, u.Scheme)
	}
	return c, nil
}

// IsReachable reports whether a daemon answers the control API.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// StatusAll returns the status of every registered program.
func (c *Client) StatusAll(ctx context.Context) ([]ProcessStatus, error) {
	var out []ProcessStatus
	if err := c.do(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status returns the status of one program.
func (c *Client) Status(ctx context.Context, name string) (ProcessStatus, error) {
	var out ProcessStatus
	q := url.Values{"name": {name}}
	if err := c.do(ctx, http.MethodGet, "/status", q, &out); err != nil {
		return ProcessStatus{}, err
	}
	return out, nil
}

// Start asks the daemon to start a registered program.
func (c *Client) Start(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/start", url.Values{"name": {name}}, nil)
}

// Stop asks the daemon to stop a program. A zero wait leaves the grace
// period to the program's configuration.
func (c *Client) Stop(ctx context.Context, name string, wait time.Duration) error {
	q := url.Values{"name": {name}}
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	return c.do(ctx, http.MethodPost, "/stop", q, nil)
}

// Restart asks the daemon to stop and then start a program.
func (c *Client) Restart(ctx context.Context, name string, wait time.Duration) error {
	q := url.Values{"name": {name}}
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	return c.do(ctx, http.MethodPost, "/restart", q, nil)
}

// Shutdown asks the daemon to stop all programs and exit. The daemon
// acknowledges before it begins shutting down.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/shutdown", nil, nil)
}

// Runs returns up to limit persisted runs for a program, newest first.
func (c *Client) Runs(ctx context.Context, name string, limit int) ([]Run, error) {
	q := url.Values{"name": {name}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []Run
	if err := c.do(ctx, http.MethodGet, "/runs", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Usage returns the latest resource sample for a program.
func (c *Client) Usage(ctx context.Context, name string) (Usage, error) {
	var out Usage
	if err := c.do(ctx, http.MethodGet, "/usage", url.Values{"name": {name}}, &out); err != nil {
		return Usage{}, err
	}
	return out, nil
}

// UsageHistory returns the retained resource samples for a program,
// oldest first.
func (c *Client) UsageHistory(ctx context.Context, name string) ([]Usage, error) {
	q := url.Values{"name": {name}, "history": {"true"}}
	var out []Usage
	if err := c.do(ctx, http.MethodGet, "/usage", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func apiError(resp *http.Response) error {
	var er ErrorResponse
	msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil && er.Error != "" {
		msg = er.Error
	}
	return &APIError{Code: resp.StatusCode, Message: msg}
}

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}
