//go:build !unix

package engine

import "os/exec"

// configureProcessGroup falls back to killing the direct child only
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
}
