//go:build unix

package executor

import (
	"os/exec"
	"syscall"
)

// isolate puts cmd in its own process group so cancellation reaches every
// descendant, not just the interpreter.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
