// Package server exposes the daemon's control API over a Unix socket
// and an optional loopback TCP listener. The router is embeddable: any
// mux can mount Handler() the same way the standalone daemon does.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/botkeepr/botkeepr/internal/metrics"
	"github.com/botkeepr/botkeepr/internal/process"
	"github.com/botkeepr/botkeepr/internal/store"
	"github.com/botkeepr/botkeepr/internal/supervisor"
)

// Options wires the router to the daemon. Usage and OnShutdown may be
// nil; their endpoints then report accordingly.
type Options struct {
	Supervisor *supervisor.Supervisor
	BasePath   string
	Usage      *metrics.UsageCollector
	// OnShutdown runs (once, asynchronously) after a shutdown request
	// has been acknowledged.
	OnShutdown func()
	Logger     *slog.Logger
}

// Router provides the control endpoints:
//
//	GET  {base}/status        ?name= for one record, absent for all
//	POST {base}/start         ?name=
//	POST {base}/stop          ?name=&wait=10s
//	POST {base}/restart       ?name=&wait=10s
//	POST {base}/shutdown
//	GET  {base}/runs          ?name=&limit=20
//	GET  {base}/usage         ?name=&history=true
type Router struct {
	sup      *supervisor.Supervisor
	usage    *metrics.UsageCollector
	basePath string
	shutdown func()
	log      *slog.Logger
}

// NewRouter constructs a Router. BasePath "/api" yields /api/status
// and friends.
func NewRouter(opts Options) *Router {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		sup:      opts.Supervisor,
		usage:    opts.Usage,
		basePath: sanitizeBase(opts.BasePath),
		shutdown: opts.OnShutdown,
		log:      log,
	}
}

// Handler returns the gin handler, mountable in any server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.POST("/shutdown", r.handleShutdown)
	group.GET("/runs", r.handleRuns)
	group.GET("/usage", r.handleUsage)
	return g
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// runResp is one persisted run, flattened so clients never see the
// store's sql.Null* wrappers.
type runResp struct {
	Name      string     `json:"name"`
	PID       int        `json:"pid"`
	State     string     `json:"state"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	ExitErr   string     `json:"exit_err,omitempty"`
}

func runRespFrom(rec store.Record) runResp {
	rr := runResp{
		Name:      rec.Name,
		PID:       rec.PID,
		State:     rec.State,
		StartedAt: rec.StartedAt,
	}
	if rec.StoppedAt.Valid {
		t := rec.StoppedAt.Time
		rr.StoppedAt = &t
	}
	if rec.ExitErr.Valid {
		rr.ExitErr = rec.ExitErr.String
	}
	return rr
}

func (r *Router) handleStatus(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusOK, r.sup.StatusAll())
		return
	}
	if !process.SafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name"})
		return
	}
	st, err := r.sup.Status(name)
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStart(c *gin.Context) {
	name, ok := requireName(c)
	if !ok {
		return
	}
	if err := r.sup.Start(name); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	name, ok := requireName(c)
	if !ok {
		return
	}
	wait, err := parseWait(c.Query("wait"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if err := r.sup.Stop(name, wait); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	name, ok := requireName(c)
	if !ok {
		return
	}
	wait, err := parseWait(c.Query("wait"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if err := r.sup.Restart(name, wait); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// handleShutdown acknowledges first and shuts down after, so the
// response makes it out before listeners die.
func (r *Router) handleShutdown(c *gin.Context) {
	if r.shutdown == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "shutdown not wired"})
		return
	}
	r.log.Info("shutdown requested over control API")
	writeJSON(c, http.StatusOK, okResp{OK: true})
	go r.shutdown()
}

func (r *Router) handleRuns(c *gin.Context) {
	name, ok := requireName(c)
	if !ok {
		return
	}
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	runs, err := r.sup.Runs(c.Request.Context(), name, limit)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	out := make([]runResp, 0, len(runs))
	for _, rec := range runs {
		out = append(out, runRespFrom(rec))
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleUsage(c *gin.Context) {
	if r.usage == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "usage sampling disabled"})
		return
	}
	name, ok := requireName(c)
	if !ok {
		return
	}
	if c.Query("history") == "true" {
		samples, found := r.usage.History(name)
		if !found {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "no samples for " + name})
			return
		}
		writeJSON(c, http.StatusOK, samples)
		return
	}
	u, found := r.usage.Latest(name)
	if !found {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no samples for " + name})
		return
	}
	writeJSON(c, http.StatusOK, u)
}

func requireName(c *gin.Context) (string, bool) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return "", false
	}
	if !process.SafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name"})
		return "", false
	}
	return name, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrUnknownProgram):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("wait: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("wait: negative duration %q", raw)
	}
	return d, nil
}
