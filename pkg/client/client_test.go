package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestNewValidatesURL(t *testing.T) {
	cases := []string{
		"",
		"ftp://host:21",
		"unix://",
	}
	for _, raw := range cases {
		if _, err := New(Config{ServerURL: raw}); err == nil {
			t.Errorf("New(%q) should fail", raw)
		}
	}
}

func TestStatusRoundTrip(t *testing.T) {
	want := ProcessStatus{Name: "trader", State: "running", PID: 4242, Restarts: 2}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("name"); got != "trader" {
			t.Errorf("name param = %q", got)
		}
		_ = json.NewEncoder(w).Encode(want)
	}))
	defer srv.Close()

	c, err := New(Config{ServerURL: srv.URL, BasePath: "/api"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	got, err := c.Status(context.Background(), "trader")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got != want {
		t.Fatalf("status = %+v, want %+v", got, want)
	}
	if !got.Live() {
		t.Error("running status should report live")
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		code int
		want error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrConflict},
		{http.StatusServiceUnavailable, ErrUnavailable},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.code)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "nope"})
		}))
		c, err := New(Config{ServerURL: srv.URL})
		if err != nil {
			t.Fatalf("new client: %v", err)
		}
		err = c.Start(context.Background(), "x")
		if !errors.Is(err, tc.want) {
			t.Errorf("code %d: got %v, want %v", tc.code, err, tc.want)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != tc.code || apiErr.Message != "nope" {
			t.Errorf("code %d: APIError not preserved: %v", tc.code, err)
		}
		srv.Close()
	}
}

func TestPlainServerErrorHasNoSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	c, err := New(Config{ServerURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	err = c.Start(context.Background(), "x")
	if err == nil {
		t.Fatal("expected error")
	}
	for _, sentinel := range []error{ErrNotFound, ErrConflict, ErrUnavailable} {
		if errors.Is(err, sentinel) {
			t.Errorf("500 should not unwrap to %v", sentinel)
		}
	}
}

func TestStopWaitParam(t *testing.T) {
	var gotWait []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("name") != "svc" {
			t.Errorf("name param = %q", q.Get("name"))
		}
		gotWait = append(gotWait, q.Get("wait"))
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer srv.Close()

	c, err := New(Config{ServerURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := c.Stop(context.Background(), "svc", 3*time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := c.Stop(context.Background(), "svc", 0); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(gotWait) != 2 || gotWait[0] != "3s" || gotWait[1] != "" {
		t.Fatalf("wait params = %v, want [3s \"\"]", gotWait)
	}
}

func TestUnixSocketTransport(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires unix sockets")
	}
	sock := filepath.Join(t.TempDir(), "ctl.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode([]ProcessStatus{{Name: "trader", State: "stopped"}})
	})}
	go func() { _ = srv.Serve(ln) }()
	defer func() { _ = srv.Close() }()

	c, err := New(Config{ServerURL: "unix://" + sock, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if !c.IsReachable(context.Background()) {
		t.Fatal("daemon should be reachable over the socket")
	}
	all, err := c.StatusAll(context.Background())
	if err != nil {
		t.Fatalf("status all: %v", err)
	}
	if len(all) != 1 || all[0].Name != "trader" {
		t.Fatalf("status all = %+v", all)
	}
	if all[0].Live() {
		t.Error("stopped status should not report live")
	}
}

func TestIsReachableWhenDown(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires unix sockets")
	}
	sock := filepath.Join(t.TempDir(), "absent.sock")
	c, err := New(Config{ServerURL: "unix://" + sock, Timeout: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if c.IsReachable(context.Background()) {
		t.Fatal("nothing is listening, should be unreachable")
	}
}
