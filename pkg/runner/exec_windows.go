//go:build windows

package runner

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr is a no-op on Windows, which has no process groups in the
// Unix sense.
func setSysProcAttr(cmd *exec.Cmd) {}

// signalGroup kills the process directly; graceful signalling is not
// available on Windows.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func terminateSignal() syscall.Signal { return syscall.Signal(0) }
func killSignal() syscall.Signal      { return syscall.Signal(0) }
