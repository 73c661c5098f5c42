package workerdev

import (
	"errors"
	"os/exec"
)

func isolateProcessGroup(*exec.Cmd) {}

// terminateGroup has no graceful equivalent; callers kill instead.
func terminateGroup(*exec.Cmd) error {
	return errors.New("graceful termination is not supported on windows")
}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
