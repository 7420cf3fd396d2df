//go:build windows

package procgov

import (
	"os/exec"
	"strconv"
	"syscall"
)

// setSysProcAttr detaches the child into its own process group so it does not
// receive console control events meant for the proxy.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// setLowPriority is a no-op on Windows; priority classes would require the
// process handle, which taskkill-based cleanup does not keep around.
func setLowPriority(pid int) error {
	return nil
}

// terminateGroup asks the process tree to exit gracefully.
func terminateGroup(pid int) error {
	return exec.Command("taskkill", "/T", "/PID", strconv.Itoa(pid)).Run()
}

// killGroup force-terminates the whole process tree.
func killGroup(pid int) error {
	return exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run()
}

// groupAlive reports whether the group leader still exists.
func groupAlive(pid int) bool {
	err := exec.Command("tasklist", "/FI", "PID eq "+strconv.Itoa(pid), "/NH").Run()
	return err == nil
}
