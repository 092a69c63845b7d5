//go:build !windows

package launch

import (
	"os/exec"
	"syscall"
)

// detachAttrs puts the spawned daemon in its own session so it
// survives the launcher and the invoking terminal.
func detachAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
