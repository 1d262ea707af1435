//go:build windows

package process

import "os/exec"

func setProcGroup(cmd *exec.Cmd) {}

// killProcGroup kills the direct child. Grandchildren holding the pipes are
// released by WaitDelay.
func killProcGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
