//go:build windows

package detector

import "os/exec"

func shellCommand(script string) *exec.Cmd {
	// #nosec G204 probe commands come from operator config
	return exec.Command("cmd", "/C", script)
}

func trueCommand() *exec.Cmd {
	return exec.Command("cmd", "/C", "exit 0")
}
