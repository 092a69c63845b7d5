package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/botkeepr/botkeepr/internal/config"
	"github.com/botkeepr/botkeepr/internal/launch"
)

// LaunchFlags holds flags for the launch command.
type LaunchFlags struct {
	KillGrace    time.Duration
	ReadyTimeout time.Duration
}

// createLaunchCommand creates the launch subcommand.
func createLaunchCommand(global *GlobalFlags) *cobra.Command {
	flags := &LaunchFlags{}

	cmd := &cobra.Command{
		Use:   "launch [config.toml]",
		Short: "Replace any stale instance and start the daemon detached",
		Long: `Launch runs the deployment pipeline: ask a live daemon to shut down
(falling back to pid-file kills for anything left), verify the
virtualenv, prepare directories, then start the daemon detached from
this terminal. Running launch twice leaves exactly one daemon.

Examples:
  botkeepr launch --config botkeepr.toml
  botkeepr launch botkeepr.toml --ready-timeout 30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configArg(global, args)
			if path == "" {
				return errNoConfig
			}
			return runLaunch(cmd, path, *flags)
		},
	}

	cmd.Flags().DurationVar(&flags.KillGrace, "kill-grace", 5*time.Second, "TERM to KILL escalation window for stale instances")
	cmd.Flags().DurationVar(&flags.ReadyTimeout, "ready-timeout", 10*time.Second, "how long to wait for the daemon to answer")

	return cmd
}

func runLaunch(cmd *cobra.Command, configPath string, flags LaunchFlags) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}
	l := launch.New(launch.Options{
		Config:       cfg,
		ConfigPath:   abs,
		Logger:       consoleLogger(),
		KillGrace:    flags.KillGrace,
		ReadyTimeout: flags.ReadyTimeout,
	})
	results, err := l.Run(cmd.Context())
	printSteps(results)
	return err
}

// ProvisionFlags holds flags for the provision command.
type ProvisionFlags struct {
	Python       string
	Requirements string
}

// createProvisionCommand creates the provision subcommand.
func createProvisionCommand(global *GlobalFlags) *cobra.Command {
	flags := &ProvisionFlags{}

	cmd := &cobra.Command{
		Use:   "provision [config.toml]",
		Short: "Prepare the interpreter environment for the configured programs",
		Long: `Provision verifies the base interpreter, creates the virtualenv from
[env] venv_dir and installs the dependency manifest into it. Steps run
in order and the first failure aborts the rest.

Examples:
  botkeepr provision --config botkeepr.toml
  botkeepr provision botkeepr.toml --python python3.11 --requirements deps.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configArg(global, args)
			if path == "" {
				return errNoConfig
			}
			return runProvision(cmd, path, *flags)
		},
	}

	cmd.Flags().StringVar(&flags.Python, "python", "python3", "base interpreter used to create the virtualenv")
	cmd.Flags().StringVar(&flags.Requirements, "requirements", "requirements.txt", "dependency manifest, relative to the config file")

	return cmd
}

func runProvision(cmd *cobra.Command, configPath string, flags ProvisionFlags) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Env.VenvDir == "" {
		return fmt.Errorf("config %s: provision needs [env] venv_dir", configPath)
	}
	req := flags.Requirements
	if req != "" && !filepath.IsAbs(req) {
		req = filepath.Join(cfg.BaseDir(), req)
	}
	p := launch.NewProvisioner(launch.ProvisionOptions{
		Python:       flags.Python,
		VenvDir:      cfg.Env.VenvDir,
		Requirements: req,
		Logger:       consoleLogger(),
	})
	results, err := p.Run(cmd.Context())
	printSteps(results)
	return err
}
