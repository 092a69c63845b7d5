package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/botkeepr/botkeepr/internal/autostart"
	"github.com/botkeepr/botkeepr/internal/config"
)

// AutostartFlags holds flags for the autostart subcommands.
type AutostartFlags struct {
	Dir        string
	InstallDir string
}

// createAutostartCommand creates the autostart command with subcommands.
func createAutostartCommand(global *GlobalFlags) *cobra.Command {
	flags := &AutostartFlags{}

	cmd := &cobra.Command{
		Use:   "autostart",
		Short: "Manage the login autostart entry",
		Long: `Manage the desktop entry that runs 'botkeepr launch' when the user
logs in. The entry embeds the installation directory, so re-run
install after moving the deployment.

Examples:
  botkeepr autostart install --config botkeepr.toml
  botkeepr autostart status
  botkeepr autostart remove`,
	}

	cmd.PersistentFlags().StringVar(&flags.Dir, "dir", "", "autostart directory (default: the user's XDG autostart dir)")

	cmd.AddCommand(
		createAutostartInstallCommand(global, flags),
		createAutostartRemoveCommand(global, flags),
		createAutostartStatusCommand(global, flags),
	)

	return cmd
}

// createAutostartInstallCommand creates the autostart install subcommand.
func createAutostartInstallCommand(global *GlobalFlags, flags *AutostartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install or refresh the autostart entry",
		Long: `Write the desktop entry, replacing any previous version. The install
directory defaults to the directory holding this binary.

Examples:
  botkeepr autostart install --config botkeepr.toml
  botkeepr autostart install --install-dir /opt/botkeepr`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAutostartInstall(global, *flags)
		},
	}

	cmd.Flags().StringVar(&flags.InstallDir, "install-dir", "", "directory holding the botkeepr binary (default: this binary's directory)")

	return cmd
}

func runAutostartInstall(global *GlobalFlags, flags AutostartFlags) error {
	e, err := autostartEntry(global, flags)
	if err != nil {
		return err
	}
	if e.InstallDir == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve install dir: %w", err)
		}
		e.InstallDir = filepath.Dir(exe)
	}
	path, err := e.Install()
	if err != nil {
		return err
	}
	fmt.Printf("autostart entry installed at %s\n", path)
	return nil
}

// createAutostartRemoveCommand creates the autostart remove subcommand.
func createAutostartRemoveCommand(global *GlobalFlags, flags *AutostartFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove",
		Short: "Remove the autostart entry",
		Long: `Delete the desktop entry. Removing an entry that is not installed
succeeds without effect.

Examples:
  botkeepr autostart remove`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAutostartRemove(global, *flags)
		},
	}
}

func runAutostartRemove(global *GlobalFlags, flags AutostartFlags) error {
	e, err := autostartEntry(global, flags)
	if err != nil {
		return err
	}
	removed, err := e.Remove()
	if err != nil {
		return err
	}
	if removed {
		fmt.Println("autostart entry removed")
	} else {
		fmt.Println("no autostart entry installed")
	}
	return nil
}

// createAutostartStatusCommand creates the autostart status subcommand.
func createAutostartStatusCommand(global *GlobalFlags, flags *AutostartFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the autostart entry is installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAutostartStatus(global, *flags)
		},
	}
}

func runAutostartStatus(global *GlobalFlags, flags AutostartFlags) error {
	e, err := autostartEntry(global, flags)
	if err != nil {
		return err
	}
	st, err := e.Status()
	if err != nil {
		return err
	}
	if !st.Installed {
		fmt.Printf("not installed (would go to %s)\n", st.Path)
		return nil
	}
	fmt.Printf("installed at %s\n", st.Path)
	if st.Exec != "" {
		fmt.Printf("login runs: %s\n", st.Exec)
	}
	return nil
}

// autostartEntry builds the entry from flags plus, when a config file is
// given, the daemon name and the config's absolute path.
func autostartEntry(global *GlobalFlags, flags AutostartFlags) (autostart.Entry, error) {
	e := autostart.Entry{Dir: flags.Dir, InstallDir: flags.InstallDir}
	if global.ConfigPath != "" {
		cfg, err := config.Load(global.ConfigPath)
		if err != nil {
			return autostart.Entry{}, err
		}
		abs, err := filepath.Abs(global.ConfigPath)
		if err != nil {
			return autostart.Entry{}, err
		}
		e.Name = cfg.Daemon.Name
		e.ConfigPath = abs
	}
	return e, nil
}
