//go:build !windows

package detector

import (
	"errors"
	"syscall"
)

// pidAlive reports whether a process with the pid exists. EPERM still means
// the process is there, just owned by someone else.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
