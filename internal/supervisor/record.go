package supervisor

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/botkeepr/botkeepr/internal/metrics"
	"github.com/botkeepr/botkeepr/internal/process"
)

type reqKind int

const (
	reqStart reqKind = iota
	reqStop
	reqRestart
	reqShutdown
)

type request struct {
	kind reqKind
	// wait overrides the spec's stop grace period when positive.
	wait  time.Duration
	reply chan error
}

type exitEvent struct {
	err error
}

// hooks are the record's way back to the daemon's bookkeeping. All of
// them may be nil.
type hooks struct {
	transition   func(st process.Status, from process.State)
	childStarted func(st process.Status)
	childStopped func(st process.Status, exitErr error)
	wentFatal    func(st process.Status)
}

// Record owns the full lifecycle of one supervised program. A single
// goroutine (loop) performs every transition, so there is never a
// second live child for the record: spawns, exits, timers and control
// requests are all serialized through it.
type Record struct {
	spec     process.Spec
	mergeEnv func(process.Spec) []string
	hooks    hooks
	log      *slog.Logger

	reqCh  chan request
	exitCh chan exitEvent
	done   chan struct{}

	// Loop-owned; never touched from outside the loop goroutine.
	child    *process.Child
	capture  io.WriteCloser
	failures int
	restarts int
	timer    *time.Timer

	mu     chan struct{} // 1-slot semaphore guarding status
	status process.Status
}

func newRecord(spec process.Spec, mergeEnv func(process.Spec) []string, h hooks, log *slog.Logger) *Record {
	if log == nil {
		log = slog.Default()
	}
	r := &Record{
		spec:     spec,
		mergeEnv: mergeEnv,
		hooks:    h,
		log:      log.With("program", spec.Name),
		reqCh:    make(chan request),
		exitCh:   make(chan exitEvent, 1),
		done:     make(chan struct{}),
		mu:       make(chan struct{}, 1),
		status:   process.Status{Name: spec.Name, State: process.StateStopped, ExitCode: -1},
	}
	metrics.SetCurrentState(spec.Name, string(process.StateStopped), true)
	go r.loop()
	return r
}

// Spec returns a copy of the record's program description.
func (r *Record) Spec() process.Spec { return *r.spec.DeepCopy() }

// Status returns a point-in-time snapshot. It never blocks on the
// record's loop, so it stays responsive while a stop is in flight.
func (r *Record) Status() process.Status {
	r.mu <- struct{}{}
	st := r.status
	<-r.mu
	return st
}

// send delivers a request to the loop and waits for its reply.
func (r *Record) send(req request) error {
	req.reply = make(chan error, 1)
	select {
	case r.reqCh <- req:
	case <-r.done:
		return ErrShuttingDown
	}
	return <-req.reply
}

func (r *Record) loop() {
	defer close(r.done)
	for {
		var timerC <-chan time.Time
		if r.timer != nil {
			timerC = r.timer.C
		}
		select {
		case req := <-r.reqCh:
			switch req.kind {
			case reqStart:
				req.reply <- r.handleStart()
			case reqStop:
				req.reply <- r.handleStop(req.wait)
			case reqRestart:
				_ = r.handleStop(req.wait)
				req.reply <- r.handleStart()
			case reqShutdown:
				r.handleShutdown(req.wait)
				req.reply <- nil
				return
			}
		case ev := <-r.exitCh:
			// Only unrequested exits arrive here; stops consume the
			// event inside stopChild.
			r.finalizeExit(ev.err, false)
			r.applyRestartPolicy()
		case <-timerC:
			r.timer = nil
			r.onTimer()
		}
	}
}

// handleStart serves an explicit start request. It resets the retry
// budget: fatal and backing-off records get a fresh chance.
func (r *Record) handleStart() error {
	st := r.Status()
	if st.State.Live() {
		return nil
	}
	r.disarmTimer()
	if alive, by := process.DetectAlive(&r.spec); alive {
		r.withStatus(func(s *process.Status) { s.DetectedBy = by })
		return fmt.Errorf("%w: %s detected by %s", ErrAlreadyRunning, r.spec.Name, by)
	}
	r.failures = 0
	r.restarts = 0
	r.withStatus(func(s *process.Status) {
		s.Failures = 0
		s.Restarts = 0
	})
	return r.spawn()
}

// handleStop serves a requested stop. The exit does not count against
// the retry budget and the record lands in stopped, not exited.
func (r *Record) handleStop(wait time.Duration) error {
	r.disarmTimer()
	var stopped bool
	var exitErr error
	if r.child != nil {
		ev := r.stopChild(wait)
		exitErr = ev.err
		r.finalizeExit(exitErr, true)
		stopped = true
	}
	if r.state() != process.StateStopped {
		r.setState(process.StateStopped)
	}
	if stopped && r.hooks.childStopped != nil {
		r.hooks.childStopped(r.Status(), exitErr)
	}
	return nil
}

func (r *Record) handleShutdown(wait time.Duration) {
	_ = r.handleStop(wait)
	if r.capture != nil {
		_ = r.capture.Close()
		r.capture = nil
	}
}

// spawn launches one child attempt. A failed spawn runs through the
// same starting → exited path as a fast crash, so the restart policy
// and the state trace treat both alike.
func (r *Record) spawn() error {
	r.setState(process.StateStarting)
	dst, err := r.captureWriter()
	if err != nil {
		r.log.Error("open capture", "error", err)
		dst = io.Discard
	}
	var tee io.Writer
	if r.spec.Log.Tee {
		tee = os.Stdout
	}
	child, err := process.StartChild(r.spec, r.merged(), dst, tee)
	if err != nil {
		r.log.Error("spawn failed", "error", err)
		now := time.Now()
		r.withStatus(func(s *process.Status) {
			s.PID = 0
			s.StartedAt = now
			s.StoppedAt = now
			s.ExitCode = -1
			s.Error = err.Error()
		})
		r.setState(process.StateExited)
		r.countFailure()
		r.applyRestartPolicy()
		return err
	}
	r.child = child
	if err := child.WritePIDFile(); err != nil {
		r.log.Warn("write pidfile", "error", err)
	}
	r.withStatus(func(s *process.Status) {
		s.PID = child.PID()
		s.StartedAt = child.StartedAt()
		s.StoppedAt = time.Time{}
		s.ExitCode = -1
		s.Error = ""
		s.DetectedBy = ""
		s.BackoffUntil = time.Time{}
	})
	metrics.IncStart(r.spec.Name)
	if r.hooks.childStarted != nil {
		r.hooks.childStarted(r.Status())
	}
	go func() {
		r.exitCh <- exitEvent{err: child.Wait()}
	}()
	r.armTimer(r.spec.StartDuration)
	return nil
}

// stopChild asks the live child to exit and blocks until its exit
// event arrives, escalating to SIGKILL after the grace period.
func (r *Record) stopChild(wait time.Duration) exitEvent {
	if wait <= 0 {
		wait = r.spec.StopWait
	}
	if err := r.child.Terminate(); err != nil {
		r.log.Warn("terminate", "error", err)
	}
	select {
	case ev := <-r.exitCh:
		return ev
	case <-time.After(wait):
		r.log.Warn("graceful stop timed out, killing", "wait", wait)
	}
	if err := r.child.Kill(); err != nil {
		r.log.Warn("kill", "error", err)
	}
	return <-r.exitCh
}

// finalizeExit folds one child exit into the record: bookkeeping,
// metrics, pidfile removal. For an unrequested exit it also updates
// the failure ledger and moves to exited; a requested one leaves the
// state to handleStop.
func (r *Record) finalizeExit(exitErr error, requested bool) {
	child := r.child
	r.child = nil
	stoppedAt := time.Now()
	uptime := stoppedAt.Sub(child.StartedAt())
	code := process.ExitCode(exitErr)
	r.withStatus(func(s *process.Status) {
		s.StoppedAt = stoppedAt
		s.ExitCode = code
		if exitErr != nil {
			s.Error = exitErr.Error()
		} else {
			s.Error = ""
		}
	})
	metrics.IncStop(r.spec.Name)
	metrics.ObserveRunDuration(r.spec.Name, uptime.Seconds())
	process.RemovePIDFile(r.spec)
	r.log.Info("child exited", "pid", child.PID(), "exit_code", code,
		"uptime", uptime.Round(time.Millisecond), "requested", requested)
	if requested {
		return
	}
	if uptime < r.spec.StartDuration {
		r.countFailure()
	} else {
		r.failures = 0
		r.withStatus(func(s *process.Status) { s.Failures = 0 })
	}
	r.setState(process.StateExited)
	if r.hooks.childStopped != nil {
		r.hooks.childStopped(r.Status(), exitErr)
	}
}

func (r *Record) countFailure() {
	r.failures++
	metrics.IncEarlyExit(r.spec.Name)
	r.withStatus(func(s *process.Status) { s.Failures = r.failures })
}

// applyRestartPolicy runs after an unrequested exit while the record
// is in the exited state. Without autorestart the record rests there;
// with it the record backs off and either schedules a respawn or goes
// fatal once the consecutive-failure budget is spent.
func (r *Record) applyRestartPolicy() {
	if !r.spec.AutoRestart {
		return
	}
	r.setState(process.StateBackingOff)
	if r.failures >= r.spec.StartRetries {
		metrics.IncFatal(r.spec.Name)
		r.setState(process.StateFatal)
		if r.hooks.wentFatal != nil {
			r.hooks.wentFatal(r.Status())
		}
		r.log.Error("retry budget exhausted, program is fatal",
			"failures", r.failures, "retries", r.spec.StartRetries)
		return
	}
	delay := backoffDelay(r.spec, r.failures)
	metrics.ObserveBackoffDelay(r.spec.Name, delay.Seconds())
	r.withStatus(func(s *process.Status) { s.BackoffUntil = time.Now().Add(delay) })
	r.armTimer(delay)
	r.log.Info("backing off before restart", "delay", delay, "failures", r.failures)
}

// onTimer fires for exactly two reasons: the child survived its start
// duration, or a backoff delay elapsed.
func (r *Record) onTimer() {
	switch r.state() {
	case process.StateStarting:
		r.failures = 0
		r.withStatus(func(s *process.Status) { s.Failures = 0 })
		r.setState(process.StateRunning)
	case process.StateBackingOff:
		r.restarts++
		r.withStatus(func(s *process.Status) {
			s.Restarts = r.restarts
			s.BackoffUntil = time.Time{}
		})
		metrics.IncRestart(r.spec.Name)
		if err := r.spawn(); err != nil {
			r.log.Warn("automatic restart failed", "error", err)
		}
	}
}

// backoffDelay doubles the base interval per consecutive failure,
// capped at the spec maximum. A crash after a healthy run (failure
// count zero) waits one base interval.
func backoffDelay(spec process.Spec, failures int) time.Duration {
	d := spec.BackoffInterval
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= spec.BackoffMax {
			return spec.BackoffMax
		}
	}
	if d > spec.BackoffMax {
		return spec.BackoffMax
	}
	return d
}

func (r *Record) merged() []string {
	if r.mergeEnv == nil {
		return nil
	}
	return r.mergeEnv(r.spec)
}

// captureWriter lazily opens the program log destination and keeps it
// across restarts so crash cycles append to one continuous file.
func (r *Record) captureWriter() (io.Writer, error) {
	if r.spec.Log.Path == "" {
		return io.Discard, nil
	}
	if r.capture == nil {
		w, err := r.spec.Log.Writer()
		if err != nil {
			return nil, err
		}
		r.capture = w
	}
	return r.capture, nil
}

func (r *Record) state() process.State {
	return r.Status().State
}

func (r *Record) setState(to process.State) {
	r.mu <- struct{}{}
	from := r.status.State
	r.status.State = to
	st := r.status
	<-r.mu
	if from == to {
		return
	}
	metrics.RecordStateTransition(r.spec.Name, string(from), string(to))
	metrics.SetCurrentState(r.spec.Name, string(from), false)
	metrics.SetCurrentState(r.spec.Name, string(to), true)
	if r.hooks.transition != nil {
		r.hooks.transition(st, from)
	}
}

func (r *Record) withStatus(fn func(*process.Status)) {
	r.mu <- struct{}{}
	fn(&r.status)
	<-r.mu
}

func (r *Record) armTimer(d time.Duration) {
	r.disarmTimer()
	r.timer = time.NewTimer(d)
}

func (r *Record) disarmTimer() {
	if r.timer == nil {
		return
	}
	if !r.timer.Stop() {
		select {
		case <-r.timer.C:
		default:
		}
	}
	r.timer = nil
}
