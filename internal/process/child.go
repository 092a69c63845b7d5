package process

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/botkeepr/botkeepr/internal/detector"
	"github.com/botkeepr/botkeepr/internal/logger"
)

// Child is one spawned OS process of a program. The zero value is not
// usable; StartChild is the only constructor. A Child goes through
// exactly one Start and one Wait; restarts create a new Child.
type Child struct {
	spec     Spec
	cmd      *exec.Cmd
	started  time.Time
	tailDone chan struct{}
}

// StartChild spawns one attempt for spec. Everything the child writes
// to stdout (and stderr when redirected) flows through a timestamp
// Stamper into dst, with a best-effort tee. The capture pipe reaches
// EOF when the child and its process group have released it, so Wait
// can guarantee the log is complete before reporting the exit.
//
// A detached child gets no capture pipe; its output goes to the null
// device so it cannot block on a pipe the daemon no longer reads.
func StartChild(spec Spec, mergedEnv []string, dst, tee io.Writer) (*Child, error) {
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(mergedEnv) > 0 {
		cmd.Env = mergedEnv
	}
	configureSysProcAttr(cmd, spec)

	if spec.Detached {
		return startDetached(spec, cmd)
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("capture pipe: %w", err)
	}
	cmd.Stdout = w
	if spec.StderrToStdout() {
		cmd.Stderr = w
	} else {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, err
	}
	// Close our copy of the write end; the child holds its own. Keeping
	// ours open would stop the pipe from ever reaching EOF.
	_ = w.Close()

	c := &Child{
		spec:     spec,
		cmd:      cmd,
		started:  time.Now(),
		tailDone: make(chan struct{}),
	}
	st := logger.NewStamper(dst, tee)
	go func() {
		defer close(c.tailDone)
		_, _ = io.Copy(st, r)
		_ = st.Flush()
		_ = r.Close()
	}()
	return c, nil
}

func startDetached(spec Spec, cmd *exec.Cmd) (*Child, error) {
	devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open null device: %w", err)
	}
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	if err := cmd.Start(); err != nil {
		_ = devNull.Close()
		return nil, err
	}
	_ = devNull.Close()
	c := &Child{
		spec:     spec,
		cmd:      cmd,
		started:  time.Now(),
		tailDone: make(chan struct{}),
	}
	close(c.tailDone)
	return c, nil
}

// PID returns the OS pid of the child.
func (c *Child) PID() int {
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// StartedAt returns when the child was spawned.
func (c *Child) StartedAt() time.Time { return c.started }

// Wait reaps the child and then drains the capture pipe, so every
// line the child wrote is in the log before Wait returns. Call it
// exactly once, from a single goroutine.
func (c *Child) Wait() error {
	err := c.cmd.Wait()
	<-c.tailDone
	return err
}

// Terminate asks the child's process group to exit.
func (c *Child) Terminate() error {
	pid := c.PID()
	if pid <= 0 {
		return nil
	}
	return killProcess(-pid, syscall.SIGTERM)
}

// Kill forcibly ends the child's process group.
func (c *Child) Kill() error {
	pid := c.PID()
	if pid <= 0 {
		return nil
	}
	return killProcess(-pid, syscall.SIGKILL)
}

// Alive probes the tracked child directly. A zombie counts as dead;
// it has exited and only awaits the reap in Wait.
func (c *Child) Alive() bool {
	pid := c.PID()
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return processExists(pid)
}

// WritePIDFile records the child pid with its start-time identity so
// later runs can verify they found this very process.
func (c *Child) WritePIDFile() error {
	if c.spec.PIDFile == "" {
		return nil
	}
	pid := c.PID()
	meta := detector.Meta{Name: c.spec.Name, StartUnix: detector.ProcStartUnix(pid)}
	return detector.WritePIDFile(c.spec.PIDFile, pid, meta)
}

// RemovePIDFile deletes the spec's pidfile, best effort.
func RemovePIDFile(spec Spec) {
	if spec.PIDFile == "" {
		return
	}
	_ = os.Remove(spec.PIDFile)
}

// DetectAlive probes the spec's detectors for a live process outside
// the daemon's bookkeeping, e.g. one left over from an earlier run.
// It returns the describing detector on a hit.
func DetectAlive(s *Spec) (bool, string) {
	for _, d := range s.BuildDetectors() {
		ok, _ := d.Alive()
		if ok {
			return true, d.Describe()
		}
	}
	return false, ""
}

// ExitCode maps a Wait error to the child's exit code: 0 for a clean
// exit, the code for a nonzero exit, -1 when signaled or when the
// error did not come from the child at all.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
