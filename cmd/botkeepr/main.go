package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot assembles the command tree.
func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	root := createRootCommand(global)
	root.AddCommand(
		createServeCommand(global),
		createLaunchCommand(global),
		createProvisionCommand(global),
		createAutostartCommand(global),
		createStartCommand(global),
		createStopCommand(global),
		createRestartCommand(global),
		createStatusCommand(global),
		createRunsCommand(global),
		createUsageCommand(global),
		createShutdownCommand(global),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags.
func createRootCommand(global *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "botkeepr",
		Short: "Deployment and supervision tooling for a trading-bot process",
		Long: `Botkeepr provisions, launches and supervises a long-running bot
process. The daemon keeps the bot alive with backoff-limited restarts
and captures its output into timestamped logs; the launcher replaces a
stale deployment in one step.

Examples:
  botkeepr provision --config botkeepr.toml   # venv + dependencies
  botkeepr launch --config botkeepr.toml      # replace stale, start daemon
  botkeepr status --config botkeepr.toml      # ask the running daemon
  botkeepr autostart install --config botkeepr.toml`,
	}

	root.PersistentFlags().StringVar(&global.ConfigPath, "config", "", "path to TOML config file")

	return root
}
