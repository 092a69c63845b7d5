package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/botkeepr/botkeepr/internal/process"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
}

// transitionTrace records every state change a record makes.
type transitionTrace struct {
	mu     sync.Mutex
	states []process.State
}

func (tr *transitionTrace) hook(st process.Status, _ process.State) {
	tr.mu.Lock()
	tr.states = append(tr.states, st.State)
	tr.mu.Unlock()
}

func (tr *transitionTrace) snapshot() []process.State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]process.State(nil), tr.states...)
}

func crashSpec(name, command string) process.Spec {
	s := process.Spec{
		Name:            name,
		Command:         command,
		AutoRestart:     true,
		StartDuration:   150 * time.Millisecond,
		BackoffInterval: 10 * time.Millisecond,
		BackoffMax:      50 * time.Millisecond,
		StopWait:        2 * time.Second,
	}
	s.Normalize()
	return s
}

func waitForState(t *testing.T, r *Record, want process.State, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if r.Status().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q within %v", r.Status().State, want, within)
}

func TestRecordCrashLoopEndsFatal(t *testing.T) {
	requireUnix(t)
	var trace transitionTrace
	spec := crashSpec("crasher", "sh -c 'exit 7'")
	r := newRecord(spec, nil, hooks{transition: trace.hook}, nil)
	defer r.send(request{kind: reqShutdown})

	if err := r.send(request{kind: reqStart}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, r, process.StateFatal, 5*time.Second)

	st := r.Status()
	if st.Failures != spec.StartRetries {
		t.Fatalf("failures = %d, want %d", st.Failures, spec.StartRetries)
	}
	if st.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", st.ExitCode)
	}

	// Every crash walks starting -> exited -> backing-off; the budget
	// is spent on the third, so backing-off flips straight to fatal.
	want := []process.State{
		process.StateStarting, process.StateExited, process.StateBackingOff,
		process.StateStarting, process.StateExited, process.StateBackingOff,
		process.StateStarting, process.StateExited, process.StateBackingOff,
		process.StateFatal,
	}
	got := trace.snapshot()
	if len(got) != len(want) {
		t.Fatalf("trace = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("trace[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestRecordHealthyRunResetsFailures(t *testing.T) {
	requireUnix(t)
	spec := crashSpec("flapper", "sh -c 'sleep 0.3; exit 1'")
	r := newRecord(spec, nil, hooks{}, nil)
	defer r.send(request{kind: reqShutdown})

	if err := r.send(request{kind: reqStart}); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Each run outlives the start duration, so the failure ledger
	// resets every time and the record keeps cycling without fatal.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st := r.Status()
		if st.State == process.StateFatal {
			t.Fatalf("went fatal despite healthy runs: %+v", st)
		}
		if st.Restarts >= 2 {
			if st.Failures != 0 {
				t.Fatalf("failures = %d after healthy runs, want 0", st.Failures)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("never reached 2 restarts: %+v", r.Status())
}

func TestRecordExplicitStartRevivesFatal(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	gate := filepath.Join(dir, "ready")
	spec := crashSpec("gated", fmt.Sprintf("sh -c 'test -f %s || exit 1; sleep 30'", gate))
	r := newRecord(spec, nil, hooks{}, nil)
	defer r.send(request{kind: reqShutdown})

	if err := r.send(request{kind: reqStart}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, r, process.StateFatal, 5*time.Second)

	if err := os.WriteFile(gate, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := r.send(request{kind: reqStart}); err != nil {
		t.Fatalf("start after fatal: %v", err)
	}
	waitForState(t, r, process.StateRunning, 5*time.Second)

	st := r.Status()
	if st.Failures != 0 || st.Restarts != 0 {
		t.Fatalf("counters not reset: failures=%d restarts=%d", st.Failures, st.Restarts)
	}
	if err := r.send(request{kind: reqStop}); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestRecordStopDuringBackoffCancelsRestart(t *testing.T) {
	requireUnix(t)
	spec := crashSpec("cancelme", "sh -c 'exit 1'")
	spec.BackoffInterval = 300 * time.Millisecond
	spec.BackoffMax = time.Second
	r := newRecord(spec, nil, hooks{}, nil)
	defer r.send(request{kind: reqShutdown})

	if err := r.send(request{kind: reqStart}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, r, process.StateBackingOff, 5*time.Second)
	if err := r.send(request{kind: reqStop}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st := r.Status().State; st != process.StateStopped {
		t.Fatalf("state = %q after stop, want stopped", st)
	}

	// The pending restart timer must be gone.
	time.Sleep(500 * time.Millisecond)
	if st := r.Status().State; st != process.StateStopped {
		t.Fatalf("record restarted after stop: %q", st)
	}
}

func TestRecordRequestedStopDoesNotCountFailure(t *testing.T) {
	requireUnix(t)
	var trace transitionTrace
	spec := crashSpec("sleeper", "sleep 30")
	r := newRecord(spec, nil, hooks{transition: trace.hook}, nil)
	defer r.send(request{kind: reqShutdown})

	if err := r.send(request{kind: reqStart}); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Stop while still inside the start duration window.
	if err := r.send(request{kind: reqStop}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	st := r.Status()
	if st.State != process.StateStopped {
		t.Fatalf("state = %q, want stopped", st.State)
	}
	if st.Failures != 0 {
		t.Fatalf("requested stop counted as failure: %d", st.Failures)
	}
	for _, s := range trace.snapshot() {
		if s == process.StateExited || s == process.StateBackingOff {
			t.Fatalf("requested stop leaked crash states: %v", trace.snapshot())
		}
	}
}

func TestRecordStopEscalatesToKill(t *testing.T) {
	requireUnix(t)
	// The shell ignores TERM and keeps respawning sleeps, so the group
	// only dies to KILL.
	spec := crashSpec("stubborn", `sh -c 'trap "" TERM; while true; do sleep 1; done'`)
	spec.StopWait = 300 * time.Millisecond
	r := newRecord(spec, nil, hooks{}, nil)
	defer r.send(request{kind: reqShutdown})

	if err := r.send(request{kind: reqStart}); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(200 * time.Millisecond) // let the trap install

	start := time.Now()
	if err := r.send(request{kind: reqStop}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < spec.StopWait {
		t.Fatalf("stop returned in %v, before the %v grace period", elapsed, spec.StopWait)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("kill escalation took %v", elapsed)
	}
	if st := r.Status().State; st != process.StateStopped {
		t.Fatalf("state = %q after kill, want stopped", st)
	}
}

func TestRecordRestartSwapsChild(t *testing.T) {
	requireUnix(t)
	spec := crashSpec("swapper", "sleep 30")
	r := newRecord(spec, nil, hooks{}, nil)
	defer r.send(request{kind: reqShutdown})

	if err := r.send(request{kind: reqStart}); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := r.Status().PID
	if first <= 0 {
		t.Fatalf("no pid after start: %+v", r.Status())
	}
	if err := r.send(request{kind: reqRestart}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	second := r.Status().PID
	if second <= 0 || second == first {
		t.Fatalf("restart pid = %d, want a new live pid (old %d)", second, first)
	}
	if err := r.send(request{kind: reqStop}); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestRecordStartIsIdempotent(t *testing.T) {
	requireUnix(t)
	spec := crashSpec("idem", "sleep 30")
	r := newRecord(spec, nil, hooks{}, nil)
	defer r.send(request{kind: reqShutdown})

	if err := r.send(request{kind: reqStart}); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := r.Status().PID
	if err := r.send(request{kind: reqStart}); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if got := r.Status().PID; got != pid {
		t.Fatalf("second start spawned a new child: pid %d -> %d", pid, got)
	}
	if err := r.send(request{kind: reqStop}); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestBackoffDelayLadder(t *testing.T) {
	spec := process.Spec{BackoffInterval: time.Second, BackoffMax: 30 * time.Second}
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(spec, tc.failures); got != tc.want {
			t.Errorf("backoffDelay(failures=%d) = %v, want %v", tc.failures, got, tc.want)
		}
	}
}

func TestBackoffDelayCapBelowInterval(t *testing.T) {
	spec := process.Spec{BackoffInterval: 2 * time.Second, BackoffMax: time.Second}
	if got := backoffDelay(spec, 1); got != time.Second {
		t.Errorf("delay = %v, want capped 1s", got)
	}
}
