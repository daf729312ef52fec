//go:build windows

package executor

import "os/exec"

// setProcessGroup is a no-op on Windows; killProcessGroup falls back to
// killing the immediate child process only.
func setProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
