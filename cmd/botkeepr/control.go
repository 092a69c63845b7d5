package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/botkeepr/botkeepr/internal/config"
	"github.com/botkeepr/botkeepr/pkg/client"
)

// ControlFlags connects a subcommand to the daemon's control API.
type ControlFlags struct {
	Name      string
	ServerURL string
	Timeout   time.Duration
	Wait      time.Duration
}

// addControlFlags registers the flags shared by every control command.
func addControlFlags(cmd *cobra.Command, flags *ControlFlags) {
	cmd.Flags().StringVar(&flags.ServerURL, "server-url", "", "control endpoint (unix:///path.sock or http://host:port); defaults to the config's [server] listeners")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 0, "request timeout")
}

// newControlClient builds the API client for a control subcommand. An
// explicit --server-url wins; otherwise the config file decides.
func newControlClient(global *GlobalFlags, flags ControlFlags) (*client.Client, error) {
	url := flags.ServerURL
	base := config.DefaultBasePath
	timeout := flags.Timeout
	if global.ConfigPath != "" {
		cfg, err := config.Load(global.ConfigPath)
		if err != nil {
			return nil, err
		}
		base = cfg.Server.BasePath
		if url == "" {
			url = cfg.ServerURL()
		}
		if timeout <= 0 {
			timeout = cfg.Client.Timeout
		}
	}
	if url == "" {
		return nil, fmt.Errorf("no control endpoint: pass --server-url or a --config with a [server] listener")
	}
	return client.New(client.Config{ServerURL: url, BasePath: base, Timeout: timeout, Logger: consoleLogger()})
}

// createStartCommand creates the start subcommand.
func createStartCommand(global *GlobalFlags) *cobra.Command {
	flags := &ControlFlags{}

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a program",
		Long: `Start a registered program via the running daemon. Starting a fatal
program resets its retry budget.

Examples:
  botkeepr start --config botkeepr.toml --name trader`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, global, *flags)
		},
	}

	cmd.Flags().StringVar(&flags.Name, "name", "", "program name (required)")
	addControlFlags(cmd, flags)
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}

	return cmd
}

func runStart(cmd *cobra.Command, global *GlobalFlags, flags ControlFlags) error {
	c, err := newControlClient(global, flags)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := c.Start(ctx, flags.Name); err != nil {
		return err
	}
	st, err := c.Status(ctx, flags.Name)
	if err != nil {
		return err
	}
	printJSON(st)
	return nil
}

// createStopCommand creates the stop subcommand.
func createStopCommand(global *GlobalFlags) *cobra.Command {
	flags := &ControlFlags{}

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a program",
		Long: `Stop a program's child, escalating to SIGKILL after the wait window.
Stopping a program that is not running succeeds without effect.

Examples:
  botkeepr stop --config botkeepr.toml --name trader
  botkeepr stop --config botkeepr.toml --name trader --wait 5s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd, global, *flags)
		},
	}

	cmd.Flags().StringVar(&flags.Name, "name", "", "program name (required)")
	cmd.Flags().DurationVar(&flags.Wait, "wait", 0, "TERM grace before KILL; 0 uses the program's stop_wait")
	addControlFlags(cmd, flags)
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}

	return cmd
}

func runStop(cmd *cobra.Command, global *GlobalFlags, flags ControlFlags) error {
	c, err := newControlClient(global, flags)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := c.Stop(ctx, flags.Name, flags.Wait); err != nil {
		return err
	}
	st, err := c.Status(ctx, flags.Name)
	if err != nil {
		return err
	}
	printJSON(st)
	return nil
}

// createRestartCommand creates the restart subcommand.
func createRestartCommand(global *GlobalFlags) *cobra.Command {
	flags := &ControlFlags{}

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart a program",
		Long: `Stop a program and start it again in one request.

Examples:
  botkeepr restart --config botkeepr.toml --name trader`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestart(cmd, global, *flags)
		},
	}

	cmd.Flags().StringVar(&flags.Name, "name", "", "program name (required)")
	cmd.Flags().DurationVar(&flags.Wait, "wait", 0, "TERM grace before KILL; 0 uses the program's stop_wait")
	addControlFlags(cmd, flags)
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}

	return cmd
}

func runRestart(cmd *cobra.Command, global *GlobalFlags, flags ControlFlags) error {
	c, err := newControlClient(global, flags)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := c.Restart(ctx, flags.Name, flags.Wait); err != nil {
		return err
	}
	st, err := c.Status(ctx, flags.Name)
	if err != nil {
		return err
	}
	printJSON(st)
	return nil
}

// createStatusCommand creates the status subcommand.
func createStatusCommand(global *GlobalFlags) *cobra.Command {
	flags := &ControlFlags{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show program status",
		Long: `Show the supervision state of one program, or of all of them when
--name is omitted.

Examples:
  botkeepr status --config botkeepr.toml
  botkeepr status --config botkeepr.toml --name trader`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, global, *flags)
		},
	}

	cmd.Flags().StringVar(&flags.Name, "name", "", "program name (optional)")
	addControlFlags(cmd, flags)

	return cmd
}

func runStatus(cmd *cobra.Command, global *GlobalFlags, flags ControlFlags) error {
	c, err := newControlClient(global, flags)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if flags.Name == "" {
		sts, err := c.StatusAll(ctx)
		if err != nil {
			return err
		}
		printJSON(sts)
		return nil
	}
	st, err := c.Status(ctx, flags.Name)
	if err != nil {
		return err
	}
	printJSON(st)
	return nil
}

// createRunsCommand creates the runs subcommand.
func createRunsCommand(global *GlobalFlags) *cobra.Command {
	flags := &ControlFlags{}
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent persisted runs of a program",
		Long: `Show the most recent runs recorded in the daemon's run store, newest
first. Requires a store DSN in the daemon config.

Examples:
  botkeepr runs --config botkeepr.toml --name trader
  botkeepr runs --config botkeepr.toml --name trader --limit 50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuns(cmd, global, *flags, limit)
		},
	}

	cmd.Flags().StringVar(&flags.Name, "name", "", "program name (required)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows to return")
	addControlFlags(cmd, flags)
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}

	return cmd
}

func runRuns(cmd *cobra.Command, global *GlobalFlags, flags ControlFlags, limit int) error {
	c, err := newControlClient(global, flags)
	if err != nil {
		return err
	}
	runs, err := c.Runs(cmd.Context(), flags.Name, limit)
	if err != nil {
		return err
	}
	printJSON(runs)
	return nil
}

// createUsageCommand creates the usage subcommand.
func createUsageCommand(global *GlobalFlags) *cobra.Command {
	flags := &ControlFlags{}
	var showHistory bool

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show CPU and memory usage of a program's child",
		Long: `Show the latest resource sample for a program's live child, or the
whole in-memory sample history with --history. Requires [metrics.usage]
enabled in the daemon config.

Examples:
  botkeepr usage --config botkeepr.toml --name trader
  botkeepr usage --config botkeepr.toml --name trader --history`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsage(cmd, global, *flags, showHistory)
		},
	}

	cmd.Flags().StringVar(&flags.Name, "name", "", "program name (required)")
	cmd.Flags().BoolVar(&showHistory, "history", false, "print the sample history instead of the latest sample")
	addControlFlags(cmd, flags)
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}

	return cmd
}

func runUsage(cmd *cobra.Command, global *GlobalFlags, flags ControlFlags, showHistory bool) error {
	c, err := newControlClient(global, flags)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if showHistory {
		samples, err := c.UsageHistory(ctx, flags.Name)
		if err != nil {
			return err
		}
		printJSON(samples)
		return nil
	}
	u, err := c.Usage(ctx, flags.Name)
	if err != nil {
		return err
	}
	printJSON(u)
	return nil
}

// createShutdownCommand creates the shutdown subcommand.
func createShutdownCommand(global *GlobalFlags) *cobra.Command {
	flags := &ControlFlags{}

	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the daemon to shut down",
		Long: `Ask the running daemon to stop every program and exit. The request is
acknowledged before the daemon goes down.

Examples:
  botkeepr shutdown --config botkeepr.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShutdown(cmd, global, *flags)
		},
	}

	addControlFlags(cmd, flags)

	return cmd
}

func runShutdown(cmd *cobra.Command, global *GlobalFlags, flags ControlFlags) error {
	c, err := newControlClient(global, flags)
	if err != nil {
		return err
	}
	if err := c.Shutdown(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("daemon asked to shut down")
	return nil
}
