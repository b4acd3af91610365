//go:build linux || darwin

package unix

import "syscall"

// WorkerProcAttr returns the SysProcAttr used when spawning a worker.
// Each worker gets its own process group so a signal intended for one
// worker (watchdog escalation, a targeted Term/Kill) never fans out to
// siblings that happen to share a terminal's foreground process group.
func WorkerProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
