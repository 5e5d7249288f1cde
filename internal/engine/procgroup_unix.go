//go:build unix

package engine

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup starts the engine in its own process group and makes
// context cancellation SIGKILL the whole group (negative PID)
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
