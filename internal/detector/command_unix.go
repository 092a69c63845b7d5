//go:build !windows

package detector

import "os/exec"

func shellCommand(script string) *exec.Cmd {
	// #nosec G204 probe commands come from operator config
	return exec.Command("/bin/sh", "-c", script)
}

func trueCommand() *exec.Cmd {
	return exec.Command("/bin/true")
}
