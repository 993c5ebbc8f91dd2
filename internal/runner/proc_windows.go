//go:build windows

package runner

import (
	"os/exec"
	"strconv"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// signalTree has no graceful variant on Windows; taskkill /T takes the tree down.
func signalTree(cmd *exec.Cmd, _ bool) error {
	if cmd.Process == nil {
		return nil
	}
	return exec.Command("taskkill", "/pid", strconv.Itoa(cmd.Process.Pid), "/T", "/F").Run()
}
