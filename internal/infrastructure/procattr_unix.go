//go:build !windows

package infrastructure

import (
	"os/exec"
	"syscall"
)

// detachSignals puts the child in its own process group, out of reach of
// terminal interrupts. The child is still killed when its context ends.
func detachSignals(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
}
