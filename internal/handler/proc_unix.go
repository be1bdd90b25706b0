//go:build !windows

package handler

import (
	"os/exec"
	"syscall"
)

// detach puts the process in its own session so it has no controlling
// terminal and the whole group dies with the session.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	killGroupOnCancel(cmd)
}

// killGroupOnCancel makes context cancellation SIGKILL the process group
// led by cmd. The process must be started as a session or group leader.
func killGroupOnCancel(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
