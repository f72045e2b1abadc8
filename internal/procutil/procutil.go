// Package procutil probes and signals detached worker/daemon processes.
// Liveness is always an OS-level signal-0 probe on the recorded pid,
// never mere state-file presence.
package procutil

import (
	"os"
	"syscall"
)

// Alive reports whether a process with the given pid exists. On Unix,
// FindProcess always succeeds, so a zero signal is sent to probe.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Terminate sends SIGTERM. Best-effort: a missing process is not an error.
func Terminate(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if err == os.ErrProcessDone {
			return nil
		}
		return err
	}
	return nil
}

// Kill sends SIGKILL for force-termination on timeout expiry.
func Kill(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Signal(syscall.SIGKILL); err != nil {
		if err == os.ErrProcessDone {
			return nil
		}
		return err
	}
	return nil
}
