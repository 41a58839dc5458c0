//go:build windows

package infrastructure

import (
	"os/exec"
	"syscall"
)

// detachSignals keeps console Ctrl+C events away from the child
func detachSignals(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
