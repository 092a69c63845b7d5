package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/botkeepr/botkeepr/internal/config"
	"github.com/botkeepr/botkeepr/internal/detector"
	"github.com/botkeepr/botkeepr/internal/env"
	"github.com/botkeepr/botkeepr/internal/history"
	histfactory "github.com/botkeepr/botkeepr/internal/history/factory"
	"github.com/botkeepr/botkeepr/internal/metrics"
	"github.com/botkeepr/botkeepr/internal/server"
	"github.com/botkeepr/botkeepr/internal/store"
	"github.com/botkeepr/botkeepr/internal/store/factory"
	"github.com/botkeepr/botkeepr/internal/supervisor"
)

// createServeCommand creates the serve subcommand.
func createServeCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the supervisor daemon in the foreground",
		Long: `Run the supervisor daemon. Programs come from the config file; the
control API listens on the configured Unix socket and/or loopback HTTP
address. The daemon runs until SIGINT/SIGTERM or a shutdown request
over the control API.

Use 'botkeepr launch' instead to start the daemon detached from the
invoking terminal.

Examples:
  botkeepr serve --config botkeepr.toml
  botkeepr serve botkeepr.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configArg(global, args)
			if path == "" {
				return errNoConfig
			}
			return runServe(path)
		},
	}
}

// runServe is the daemon body: assemble, listen, supervise, tear down.
func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if !cfg.Server.Unix.Enabled && !cfg.Server.HTTP.Enabled {
		return fmt.Errorf("no control listener configured: enable [server.unix] or [server.http]")
	}
	mode, err := cfg.Server.Unix.FileMode()
	if err != nil {
		return err
	}

	log := cfg.Daemon.Log.NewSlogger()
	slog.SetDefault(log)

	environ, err := env.FromConfig(cfg.Env)
	if err != nil {
		return fmt.Errorf("environment: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if st != nil {
		defer func() { _ = st.Close() }()
	}

	sinks, err := buildSinks(cfg.History)
	if err != nil {
		return err
	}

	sup := supervisor.New(supervisor.Options{Logger: log, Env: environ, Store: st, Sinks: sinks})
	for _, spec := range cfg.Specs() {
		if err := sup.Register(spec); err != nil {
			return fmt.Errorf("register program: %w", err)
		}
	}

	var usage *metrics.UsageCollector
	if cfg.Metrics.Usage.Enabled {
		usage = metrics.NewUsageCollector(cfg.Metrics.Usage)
	}
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		if usage != nil {
			if err := usage.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
				return fmt.Errorf("register usage metrics: %w", err)
			}
		}
		if cfg.Metrics.Listen != "" {
			go serveMetrics(cfg.Metrics.Listen, log)
		}
	}
	if usage != nil {
		usage.Start(ctx, sup.PIDs)
		defer usage.Stop()
	}

	// The pid file goes down before the listeners so a probing launcher
	// never sees a socket without a pid behind it.
	if cfg.Daemon.PIDFile != "" {
		meta := detector.Meta{Name: cfg.Daemon.Name, StartUnix: detector.ProcStartUnix(os.Getpid())}
		if err := detector.WritePIDFile(cfg.Daemon.PIDFile, os.Getpid(), meta); err != nil {
			return err
		}
		defer func() { _ = os.Remove(cfg.Daemon.PIDFile) }()
	}

	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	requestShutdown := func() { shutdownOnce.Do(func() { close(shutdownCh) }) }

	srv := server.New(server.Options{
		Supervisor: sup,
		BasePath:   cfg.Server.BasePath,
		Usage:      usage,
		OnShutdown: requestShutdown,
		Logger:     log,
	})
	if cfg.Server.Unix.Enabled {
		sock := server.UnixSocket{Path: cfg.Server.Unix.Path, Mode: mode, Owner: cfg.Server.Unix.Owner}
		if err := srv.ServeUnix(sock); err != nil {
			return err
		}
		log.Info("control socket listening", "path", cfg.Server.Unix.Path)
	}
	if cfg.Server.HTTP.Enabled {
		addr, err := srv.ServeTCP(cfg.Server.HTTP.Listen)
		if err != nil {
			_ = srv.Close()
			return err
		}
		log.Info("control http listening", "addr", addr.String())
	}

	sup.AutoStart()
	log.Info("daemon up", "name", cfg.Daemon.Name, "pid", os.Getpid(), "programs", len(cfg.Specs()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case sig := <-sigCh:
		log.Info("signal received", "signal", sig.String())
	case <-shutdownCh:
		log.Info("shutdown requested over the control API")
	}

	_ = srv.Close()
	sup.Shutdown(0)
	log.Info("daemon stopped", "name", cfg.Daemon.Name)
	return nil
}

// openStore opens the configured run store, creating the SQLite parent
// directory and pruning rows past the retention window. A blank DSN
// disables persistence.
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, error) {
	dsn := strings.TrimSpace(cfg.Daemon.Store.DSN)
	if dsn == "" {
		return nil, nil
	}
	if path := factory.SQLitePath(dsn); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	st, err := factory.NewFromDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("run store schema: %w", err)
	}
	if ret := cfg.Daemon.Store.Retention; ret > 0 {
		if n, err := st.PurgeOlderThan(ctx, time.Now().Add(-ret)); err != nil {
			log.Warn("run store purge failed", "error", err)
		} else if n > 0 {
			log.Info("purged old runs", "rows", n)
		}
		go retentionLoop(ctx, st, ret, log)
	}
	return st, nil
}

// retentionLoop prunes finished runs past the retention window once an
// hour. The boot-time purge already ran, so a lost tick is harmless.
func retentionLoop(ctx context.Context, st store.Store, retention time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purgeCtx, purgeCancel := context.WithTimeout(ctx, time.Minute)
			n, err := st.PurgeOlderThan(purgeCtx, time.Now().Add(-retention))
			purgeCancel()
			if err != nil {
				log.Warn("run store purge failed", "error", err)
			} else if n > 0 {
				log.Debug("purged old runs", "rows", n)
			}
		}
	}
}

// buildSinks resolves the configured history sink DSNs.
func buildSinks(cfg history.Config) (history.Sinks, error) {
	var sinks history.Sinks
	for _, dsn := range cfg.Sinks {
		s, err := histfactory.NewSinkFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

// serveMetrics exposes the Prometheus handler on its own listener.
func serveMetrics(listen string, log *slog.Logger) {
	srv := &http.Server{
		Addr:              listen,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("metrics listening", "addr", listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server failed", "error", err)
	}
}
