//go:build !windows

package process

import "syscall"

// killProcess delivers sig to pid. A negative pid targets the whole
// process group, which is how stop and kill reach shell-wrapped
// children and their descendants.
func killProcess(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

// processExists reports whether pid can be signaled.
func processExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
