//go:build unix

package session

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// groupAttr puts the child in its own process group so the whole tree can
// be signalled at once.
func groupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// ttyAttr makes the child a session leader with fd 0 as controlling tty.
func ttyAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0,
	}
}

// killProcessGroup sends SIGKILL to every process in the group led by pid.
func killProcessGroup(pid int) error {
	err := unix.Kill(-pid, unix.SIGKILL)
	if err == unix.ESRCH {
		return nil
	}
	return err
}
