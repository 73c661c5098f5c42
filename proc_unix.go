//go:build unix

package workerdev

import (
	"os/exec"
	"syscall"
)

// isolateProcessGroup puts the runtime host in its own process group so
// signals reach anything it forks, such as the interpreter behind a wrapper
// script.
func isolateProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGTERM)
}

func killGroup(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		// The group is gone or was never created; fall back to the leader.
		return cmd.Process.Signal(sig)
	}
	return nil
}
