package detector

import (
	"errors"
	"os/exec"
	"strings"
)

// CommandDetector runs a probe command; exit status zero means alive. Useful
// for programs that expose a health-check CLI.
type CommandDetector struct{ Command string }

func (d CommandDetector) Alive() (bool, error) {
	cmd := buildProbeCommand(d.Command)
	cmd.Stdout = nil
	cmd.Stderr = nil
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return false, nil
	}
	return false, err
}

func (d CommandDetector) Describe() string { return "cmd:" + d.Command }

// buildProbeCommand avoids a shell unless metacharacters require one.
func buildProbeCommand(cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return trueCommand()
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204 probe commands come from operator config
	return exec.Command(parts[0], parts[1:]...)
}
