package process

import "syscall"

// Terminate asks pid to exit: SIGTERM on unix, TerminateProcess on
// windows. Used on processes recovered from pidfiles, not our own
// children (those go through Child).
func Terminate(pid int) error { return killProcess(pid, syscall.SIGTERM) }

// ForceKill ends pid without grace.
func ForceKill(pid int) error { return killProcess(pid, syscall.SIGKILL) }

// Exists reports whether pid can be signaled.
func Exists(pid int) bool { return processExists(pid) }
