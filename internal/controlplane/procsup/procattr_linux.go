//go:build linux

package procsup

import (
	"os/exec"
	"syscall"
)

// setProcGroup 让子进程成为新进程组的组长，并在宿主进程退出时收到 SIGTERM
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
