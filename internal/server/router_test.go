package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/botkeepr/botkeepr/internal/detector"
	"github.com/botkeepr/botkeepr/internal/process"
	"github.com/botkeepr/botkeepr/internal/supervisor"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a unix shell")
	}
}

func newTestSupervisor(t *testing.T) *supervisor.Supervisor {
	t.Helper()
	sup := supervisor.New(supervisor.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() { sup.Shutdown(2 * time.Second) })
	return sup
}

func newTestHandler(t *testing.T, opts Options) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if opts.Supervisor == nil {
		opts.Supervisor = newTestSupervisor(t)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return NewRouter(opts).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusAllEmpty(t *testing.T) {
	h := newTestHandler(t, Options{})
	rec := doReq(t, h, http.MethodGet, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var arr []process.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &arr); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if len(arr) != 0 {
		t.Fatalf("expected no statuses, got %d", len(arr))
	}
}

func TestStatusUnknownIs404(t *testing.T) {
	h := newTestHandler(t, Options{})
	rec := doReq(t, h, http.MethodGet, "/status?name=nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUnsafeNamesRejected(t *testing.T) {
	h := newTestHandler(t, Options{})
	cases := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/status?name=..%2Fetc"},
		{http.MethodPost, "/start?name=bad%20name"},
		{http.MethodPost, "/stop?name=a%2Fb"},
		{http.MethodPost, "/restart?name=.."},
	}
	for _, tc := range cases {
		rec := doReq(t, h, tc.method, tc.path)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s %s: expected 400, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestStartUnknownIs404(t *testing.T) {
	h := newTestHandler(t, Options{})
	rec := doReq(t, h, http.MethodPost, "/start?name=ghost")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStopRequiresName(t *testing.T) {
	h := newTestHandler(t, Options{})
	rec := doReq(t, h, http.MethodPost, "/stop")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWaitParamValidated(t *testing.T) {
	sup := newTestSupervisor(t)
	if err := sup.Register(process.Spec{Name: "svc", Command: "sleep 30"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	h := newTestHandler(t, Options{Supervisor: sup})
	for _, q := range []string{"wait=bogus", "wait=-5s"} {
		rec := doReq(t, h, http.MethodPost, "/stop?name=svc&"+q)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d: %s", q, rec.Code, rec.Body.String())
		}
	}
}

func TestStartStatusStopRoundTrip(t *testing.T) {
	requireUnix(t)
	sup := newTestSupervisor(t)
	if err := sup.Register(process.Spec{Name: "svc", Command: "sleep 30", StopWait: 2 * time.Second}); err != nil {
		t.Fatalf("register: %v", err)
	}
	h := newTestHandler(t, Options{Supervisor: sup})

	rec := doReq(t, h, http.MethodPost, "/start?name=svc")
	if rec.Code != http.StatusOK {
		t.Fatalf("start expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		rec = doReq(t, h, http.MethodGet, "/status?name=svc")
		if rec.Code != http.StatusOK {
			t.Fatalf("status expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var st process.Status
		if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
			t.Fatalf("parse status: %v", err)
		}
		if st.State == process.StateRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("svc never reached running, last state %s", st.State)
		}
		time.Sleep(20 * time.Millisecond)
	}

	rec = doReq(t, h, http.MethodPost, "/stop?name=svc&wait=2s")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStartConflictIs409(t *testing.T) {
	sup := newTestSupervisor(t)
	spec := process.Spec{Name: "svc", Command: "sleep 30"}
	spec.Detectors = []detector.Detector{detector.PIDDetector{PID: os.Getpid()}}
	if err := sup.Register(spec); err != nil {
		t.Fatalf("register: %v", err)
	}
	h := newTestHandler(t, Options{Supervisor: sup})
	rec := doReq(t, h, http.MethodPost, "/start?name=svc")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBasePathMounting(t *testing.T) {
	h := newTestHandler(t, Options{BasePath: "/api/"})
	if rec := doReq(t, h, http.MethodGet, "/api/status"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 under base path, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodGet, "/status"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 outside base path, got %d", rec.Code)
	}
}

func TestShutdownNotWired(t *testing.T) {
	h := newTestHandler(t, Options{})
	rec := doReq(t, h, http.MethodPost, "/shutdown")
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rec.Code)
	}
}

func TestShutdownAcknowledgesThenFires(t *testing.T) {
	fired := make(chan struct{})
	h := newTestHandler(t, Options{OnShutdown: func() { close(fired) }})
	rec := doReq(t, h, http.MethodPost, "/shutdown")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown callback never fired")
	}
}

func TestRunsWithoutStore(t *testing.T) {
	sup := newTestSupervisor(t)
	if err := sup.Register(process.Spec{Name: "svc", Command: "sleep 30"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	h := newTestHandler(t, Options{Supervisor: sup})
	rec := doReq(t, h, http.MethodGet, "/runs?name=svc")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a store, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRunsLimitValidated(t *testing.T) {
	sup := newTestSupervisor(t)
	if err := sup.Register(process.Spec{Name: "svc", Command: "sleep 30"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	h := newTestHandler(t, Options{Supervisor: sup})
	for _, q := range []string{"limit=0", "limit=-3", "limit=abc"} {
		rec := doReq(t, h, http.MethodGet, "/runs?name=svc&"+q)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestUsageDisabled(t *testing.T) {
	h := newTestHandler(t, Options{})
	rec := doReq(t, h, http.MethodGet, "/usage?name=svc")
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rec.Code)
	}
}
