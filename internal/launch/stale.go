package launch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/botkeepr/botkeepr/internal/detector"
	"github.com/botkeepr/botkeepr/internal/process"
)

const killPoll = 50 * time.Millisecond

// TerminateStale ends the process recorded in the pidfile at path,
// provided the pid still belongs to the recorded process (start-time
// identity, so a recycled pid is never signaled). A missing pidfile or
// dead process is a no-op. The pidfile is removed once the process is
// gone. The returned note describes what happened, empty when there
// was nothing to do.
func TerminateStale(ctx context.Context, path string, grace time.Duration, log *slog.Logger) (string, error) {
	if path == "" {
		return "", nil
	}
	pid, meta, err := detector.ReadPIDFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read pidfile %s: %w", path, err)
	}
	if !detector.IdentityMatches(pid, meta) {
		_ = os.Remove(path)
		return fmt.Sprintf("cleared %s (pid %d recycled)", path, pid), nil
	}
	if !process.Exists(pid) {
		_ = os.Remove(path)
		return fmt.Sprintf("cleared %s (pid %d gone)", path, pid), nil
	}

	log.Info("terminating stale process", "pid", pid, "pidfile", path)
	if err := process.Terminate(pid); err != nil {
		return "", fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	if waitGone(ctx, pid, grace) {
		_ = os.Remove(path)
		return fmt.Sprintf("terminated pid %d", pid), nil
	}
	log.Warn("stale process ignored terminate, killing", "pid", pid)
	if err := process.ForceKill(pid); err != nil {
		return "", fmt.Errorf("kill pid %d: %w", pid, err)
	}
	if !waitGone(ctx, pid, grace) {
		return "", fmt.Errorf("pid %d survived kill", pid)
	}
	_ = os.Remove(path)
	return fmt.Sprintf("killed pid %d", pid), nil
}

// waitGone polls until pid stops existing or the wait elapses.
func waitGone(ctx context.Context, pid int, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for {
		if !process.Exists(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(killPoll):
		}
	}
}
