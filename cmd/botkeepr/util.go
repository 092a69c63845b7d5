package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/botkeepr/botkeepr/internal/launch"
	"github.com/botkeepr/botkeepr/internal/logger"
)

var errNoConfig = errors.New("config file required: use --config or pass it as an argument")

// configArg resolves the config path for commands that also accept it
// as a positional argument.
func configArg(global *GlobalFlags, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return global.ConfigPath
}

// consoleLogger builds the stderr logger used by interactive commands.
// The daemon's file log stays reserved for the daemon itself.
func consoleLogger() *slog.Logger {
	return logger.SlogConfig{Level: logger.LevelInfo, Format: logger.FormatText, Color: true}.NewSlogger()
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

// printSteps renders one line per pipeline step.
func printSteps(results []launch.StepResult) {
	for _, r := range results {
		switch r.Status {
		case launch.StepOK:
			fmt.Printf("  ok      %-28s %s (%s)\n", r.Name, r.Detail, r.Duration.Round(time.Millisecond))
		case launch.StepFailed:
			fmt.Printf("  failed  %-28s %v\n", r.Name, r.Err)
		default:
			fmt.Printf("  skipped %s\n", r.Name)
		}
	}
}
