package launch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/botkeepr/botkeepr/internal/config"
	"github.com/botkeepr/botkeepr/internal/detector"
	"github.com/botkeepr/botkeepr/internal/env"
	"github.com/botkeepr/botkeepr/internal/store/factory"
	"github.com/botkeepr/botkeepr/pkg/client"
)

const (
	defaultKillGrace    = 5 * time.Second
	defaultReadyTimeout = 10 * time.Second
	readyPoll           = 100 * time.Millisecond
)

// Options configures a Launcher.
type Options struct {
	Config *config.Config
	// ConfigPath is passed to the spawned daemon's --config flag.
	ConfigPath string
	Logger     *slog.Logger
	// KillGrace bounds the TERM-to-KILL escalation on stale kills and
	// the wait for a gracefully shut down daemon.
	KillGrace time.Duration
	// ReadyTimeout bounds waiting for the spawned daemon to answer its
	// control endpoint.
	ReadyTimeout time.Duration
	// DaemonArgs overrides the spawned command line, argv[0] included.
	// Empty means re-exec ourselves with the serve subcommand.
	DaemonArgs []string
}

// Launcher runs the launch pipeline: clear stale instances, verify the
// environment, prepare directories, spawn the daemon detached.
type Launcher struct {
	cfg          *config.Config
	configPath   string
	log          *slog.Logger
	grace        time.Duration
	readyTimeout time.Duration
	daemonArgs   []string
}

// New builds a Launcher. Options.Config is required.
func New(opts Options) *Launcher {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	grace := opts.KillGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}
	ready := opts.ReadyTimeout
	if ready <= 0 {
		ready = defaultReadyTimeout
	}
	return &Launcher{
		cfg:          opts.Config,
		configPath:   opts.ConfigPath,
		log:          log,
		grace:        grace,
		readyTimeout: ready,
		daemonArgs:   opts.DaemonArgs,
	}
}

// Run executes the launch pipeline.
func (l *Launcher) Run(ctx context.Context) ([]StepResult, error) {
	return NewPipeline(l.log,
		Step{Name: "terminate stale instances", Run: l.terminateStale},
		Step{Name: "activate environment", Run: l.activateEnv},
		Step{Name: "prepare directories", Run: l.prepareDirs},
		Step{Name: "start daemon", Run: l.startDaemon},
	).Run(ctx)
}

// terminateStale clears out a previous daemon and its children. A
// reachable daemon is asked to shut down first; whatever the pidfiles
// still point at afterwards is terminated by identity. Best-effort
// throughout, the step itself never fails.
func (l *Launcher) terminateStale(ctx context.Context) (string, error) {
	var notes []string
	if c := l.controlClient(2 * time.Second); c != nil && c.IsReachable(ctx) {
		if err := c.Shutdown(ctx); err != nil {
			l.log.Warn("running daemon refused shutdown", "error", err)
		} else {
			notes = append(notes, "asked running daemon to shut down")
			if pid, _, err := detector.ReadPIDFile(l.cfg.Daemon.PIDFile); err == nil {
				waitGone(ctx, pid, l.grace)
			}
		}
	}

	paths := []string{l.cfg.Daemon.PIDFile}
	for _, spec := range l.cfg.Specs() {
		if spec.PIDFile != "" {
			paths = append(paths, spec.PIDFile)
		}
	}
	for _, p := range paths {
		note, err := TerminateStale(ctx, p, l.grace, l.log)
		if err != nil {
			// A failed kill never aborts the launch.
			l.log.Warn("stale cleanup failed", "pidfile", p, "error", err)
			continue
		}
		if note != "" {
			notes = append(notes, note)
		}
	}
	if len(notes) == 0 {
		return "nothing stale", nil
	}
	return strings.Join(notes, "; "), nil
}

// activateEnv verifies the configured environment composes, virtualenv
// included. A broken environment fails the launch before anything is
// spawned.
func (l *Launcher) activateEnv(_ context.Context) (string, error) {
	e, err := env.FromConfig(l.cfg.Env)
	if err != nil {
		return "", err
	}
	if v := e.Venv(); v != "" {
		return "virtualenv " + v, nil
	}
	return "no virtualenv configured", nil
}

// prepareDirs creates every directory the daemon writes into.
func (l *Launcher) prepareDirs(_ context.Context) (string, error) {
	seen := map[string]struct{}{}
	add := func(file string) {
		if file == "" {
			return
		}
		if dir := filepath.Dir(file); dir != "" && dir != "." {
			seen[dir] = struct{}{}
		}
	}
	add(l.cfg.Daemon.PIDFile)
	add(l.cfg.Daemon.Log.Path)
	add(factory.SQLitePath(l.cfg.Daemon.Store.DSN))
	add(l.cfg.Server.Unix.Path)
	for _, spec := range l.cfg.Specs() {
		add(spec.PIDFile)
		add(spec.Log.Path)
	}

	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return "", fmt.Errorf("create %s: %w", d, err)
		}
	}
	return fmt.Sprintf("%d directories ready", len(dirs)), nil
}

// startDaemon spawns the daemon detached and waits until it answers
// the control endpoint.
func (l *Launcher) startDaemon(ctx context.Context) (string, error) {
	argv := l.daemonArgs
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("locate executable: %w", err)
		}
		argv = []string{exe, "serve", "--config", l.configPath}
	}
	// #nosec G204 -- argv comes from our own binary and config
	cmd := exec.Command(argv[0], argv[1:]...)
	detachAttrs(cmd)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("spawn daemon: %w", err)
	}
	pid := cmd.Process.Pid
	// Reap if it exits while we are still around.
	go func() { _ = cmd.Wait() }()

	probed, err := l.waitReady(ctx)
	if err != nil {
		return "", fmt.Errorf("daemon pid %d: %w", pid, err)
	}
	if !probed {
		return fmt.Sprintf("daemon pid %d spawned", pid), nil
	}
	return fmt.Sprintf("daemon pid %d answering", pid), nil
}

// waitReady polls the control endpoint until it answers or the ready
// timeout elapses. With no listener configured there is nothing to
// probe and the spawn alone counts.
func (l *Launcher) waitReady(ctx context.Context) (bool, error) {
	c := l.controlClient(time.Second)
	if c == nil {
		return false, nil
	}
	deadline := time.Now().Add(l.readyTimeout)
	for {
		if c.IsReachable(ctx) {
			return true, nil
		}
		if time.Now().After(deadline) {
			return true, fmt.Errorf("control endpoint not answering after %s", l.readyTimeout)
		}
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-time.After(readyPoll):
		}
	}
}

func (l *Launcher) controlClient(timeout time.Duration) *client.Client {
	url := l.cfg.ServerURL()
	if url == "" {
		return nil
	}
	c, err := client.New(client.Config{
		ServerURL: url,
		BasePath:  l.cfg.Server.BasePath,
		Timeout:   timeout,
		Logger:    l.log,
	})
	if err != nil {
		l.log.Warn("control client unavailable", "url", url, "error", err)
		return nil
	}
	return c
}
