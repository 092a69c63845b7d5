// Package supervisor keeps the registered programs in their desired
// state. Each program gets a Record whose loop goroutine owns every
// transition; the Supervisor is the registry and the bridge to the
// run store, the history sinks and the metrics registry.
package supervisor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/botkeepr/botkeepr/internal/env"
	"github.com/botkeepr/botkeepr/internal/history"
	"github.com/botkeepr/botkeepr/internal/process"
	"github.com/botkeepr/botkeepr/internal/store"
)

var (
	// ErrUnknownProgram is returned for operations on a name that was
	// never registered.
	ErrUnknownProgram = errors.New("unknown program")
	// ErrAlreadyRunning is returned when a start finds a live instance,
	// either supervised or detected through a pidfile probe.
	ErrAlreadyRunning = errors.New("already running")
	// ErrShuttingDown is returned once Shutdown has begun.
	ErrShuttingDown = errors.New("supervisor shutting down")
)

const hookTimeout = 5 * time.Second

// Options configures a Supervisor. Every field may be zero: a bare
// Supervisor supervises fine without persistence or export.
type Options struct {
	Logger *slog.Logger
	// Env supplies the layered environment merged under each program.
	Env *env.Env
	// Store receives one row per child run when set.
	Store store.Store
	// Sinks receive lifecycle events, sent asynchronously.
	Sinks history.Sinks
}

// Supervisor is the program registry.
type Supervisor struct {
	opts Options
	log  *slog.Logger

	mu      sync.RWMutex
	records map[string]*Record
	closed  bool
}

// New builds an empty Supervisor.
func New(opts Options) *Supervisor {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		opts:    opts,
		log:     log,
		records: make(map[string]*Record),
	}
}

// Register adds a program to the registry without starting it. The
// spec is normalized, validated and its liveness probes compiled.
func (s *Supervisor) Register(spec process.Spec) error {
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return err
	}
	spec.Detectors = spec.BuildDetectors()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	if _, ok := s.records[spec.Name]; ok {
		return fmt.Errorf("program %q already registered", spec.Name)
	}
	s.records[spec.Name] = newRecord(spec, s.mergeEnv, s.hooks(), s.log)
	return nil
}

// Unregister stops the program if needed and removes it.
func (s *Supervisor) Unregister(name string, wait time.Duration) error {
	s.mu.Lock()
	rec, ok := s.records[name]
	if ok {
		delete(s.records, name)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProgram, name)
	}
	_ = rec.send(request{kind: reqShutdown, wait: wait})
	return nil
}

// Start launches name. An explicit start resets the retry budget, so
// it also revives a fatal program.
func (s *Supervisor) Start(name string) error {
	rec, err := s.record(name)
	if err != nil {
		return err
	}
	return rec.send(request{kind: reqStart})
}

// Stop terminates name's child, escalating to SIGKILL after wait
// (the spec's stop grace period when wait is zero). Stopping a
// program that is not running is not an error.
func (s *Supervisor) Stop(name string, wait time.Duration) error {
	rec, err := s.record(name)
	if err != nil {
		return err
	}
	return rec.send(request{kind: reqStop, wait: wait})
}

// Restart is a stop followed by a fresh start.
func (s *Supervisor) Restart(name string, wait time.Duration) error {
	rec, err := s.record(name)
	if err != nil {
		return err
	}
	return rec.send(request{kind: reqRestart, wait: wait})
}

// Status returns the current snapshot for name.
func (s *Supervisor) Status(name string) (process.Status, error) {
	rec, err := s.record(name)
	if err != nil {
		return process.Status{}, err
	}
	return rec.Status(), nil
}

// StatusAll returns snapshots for every registered program, sorted by
// name.
func (s *Supervisor) StatusAll() []process.Status {
	s.mu.RLock()
	recs := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	s.mu.RUnlock()

	out := make([]process.Status, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Specs returns copies of every registered spec, sorted by name.
func (s *Supervisor) Specs() []process.Spec {
	s.mu.RLock()
	recs := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	s.mu.RUnlock()

	out := make([]process.Spec, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Spec())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AutoStart launches every program registered with auto_start. Start
// failures are logged, not returned: one broken program must not keep
// the rest down.
func (s *Supervisor) AutoStart() {
	for _, spec := range s.Specs() {
		if !spec.AutoStart {
			continue
		}
		if err := s.Start(spec.Name); err != nil {
			s.log.Error("autostart failed", "program", spec.Name, "error", err)
		}
	}
}

// PIDs reports the live child PID per program, for resource sampling.
func (s *Supervisor) PIDs() map[string]int32 {
	out := make(map[string]int32)
	for _, st := range s.StatusAll() {
		if st.State.Live() && st.PID > 0 {
			out[st.Name] = int32(st.PID)
		}
	}
	return out
}

// Runs returns the most recent persisted runs for name, newest first.
func (s *Supervisor) Runs(ctx context.Context, name string, limit int) ([]store.Record, error) {
	if s.opts.Store == nil {
		return nil, errors.New("no run store configured")
	}
	return s.opts.Store.GetByName(ctx, name, limit)
}

// Shutdown stops every program and rejects further requests. Records
// are stopped in parallel; the call returns when all loops have ended.
func (s *Supervisor) Shutdown(wait time.Duration) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	recs := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, rec := range recs {
		wg.Add(1)
		go func(r *Record) {
			defer wg.Done()
			_ = r.send(request{kind: reqShutdown, wait: wait})
		}(rec)
	}
	wg.Wait()
}

func (s *Supervisor) record(name string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrShuttingDown
	}
	rec, ok := s.records[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProgram, name)
	}
	return rec, nil
}

func (s *Supervisor) mergeEnv(spec process.Spec) []string {
	if s.opts.Env == nil {
		return env.New().Merge(spec.Env)
	}
	return s.opts.Env.Merge(spec.Env)
}

// hooks wires record transitions into the store, the history sinks
// and the daemon log. Store writes run inline with a bounded context
// so rows land in order; sink sends go through a goroutine because a
// slow analytics endpoint must not delay supervision.
func (s *Supervisor) hooks() hooks {
	return hooks{
		transition: func(st process.Status, from process.State) {
			s.log.Debug("transition", "program", st.Name, "from", from, "to", st.State)
			if st.State == process.StateRunning {
				s.persist(func(ctx context.Context) error {
					return s.opts.Store.UpsertStatus(ctx, runRow(st))
				})
			}
		},
		childStarted: func(st process.Status) {
			s.persist(func(ctx context.Context) error {
				return s.opts.Store.RecordStart(ctx, runRow(st))
			})
			s.export(history.EventStart, runRow(st))
		},
		childStopped: func(st process.Status, exitErr error) {
			s.persist(func(ctx context.Context) error {
				key := store.Record{Name: st.Name, StartedAt: st.StartedAt}.Key()
				return s.opts.Store.RecordStop(ctx, key, st.StoppedAt, exitErr)
			})
			s.export(history.EventStop, runRow(st))
		},
		wentFatal: func(st process.Status) {
			s.export(history.EventFatal, runRow(st))
		},
	}
}

func (s *Supervisor) persist(op func(context.Context) error) {
	if s.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()
	if err := op(ctx); err != nil {
		s.log.Warn("run store write failed", "error", err)
	}
}

func (s *Supervisor) export(t history.EventType, rec store.Record) {
	if len(s.opts.Sinks) == 0 {
		return
	}
	ev := history.FromRecord(t, rec)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		if err := s.opts.Sinks.Send(ctx, ev); err != nil {
			s.log.Warn("history export failed", "type", ev.Type, "program", ev.Name, "error", err)
		}
	}()
}

// runRow converts a status snapshot into its run store row.
func runRow(st process.Status) store.Record {
	rec := store.Record{
		Name:      st.Name,
		PID:       st.PID,
		State:     string(st.State),
		StartedAt: st.StartedAt,
	}
	if !st.StoppedAt.IsZero() {
		rec.StoppedAt = sql.NullTime{Time: st.StoppedAt, Valid: true}
	}
	if st.Error != "" {
		rec.ExitErr = sql.NullString{String: st.Error, Valid: true}
	}
	rec.Uniq = rec.Key()
	return rec
}
