//go:build !windows

package procgov

import (
	"errors"
	"os/exec"
	"syscall"
)

// setSysProcAttr places the child in its own process group so the whole
// subtree can be signalled as a unit.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// setLowPriority renices the whole group below normal priority.
func setLowPriority(pid int) error {
	return syscall.Setpriority(syscall.PRIO_PGRP, pid, 10)
}

// terminateGroup sends SIGTERM to every process in the group. A group that
// has already exited is not an error.
func terminateGroup(pid int) error {
	return ignoreGone(syscall.Kill(-pid, syscall.SIGTERM))
}

// killGroup sends SIGKILL to every process in the group.
func killGroup(pid int) error {
	return ignoreGone(syscall.Kill(-pid, syscall.SIGKILL))
}

// groupAlive reports whether any process in the group still exists.
func groupAlive(pid int) bool {
	err := syscall.Kill(-pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func ignoreGone(err error) error {
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
