//go:build windows

package launch

import (
	"os/exec"
	"syscall"
)

// detachAttrs detaches the spawned daemon from the launcher's console.
func detachAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | 0x08000000, // CREATE_NO_WINDOW
	}
}
