//go:build unix

package worker

import (
	"os/exec"
	"syscall"
)

// initCmd puts the child in its own process group so signal() can reach
// any descendants it spawns, not just the child itself.
func initCmd(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func sendSignal(pid int, sig syscall.Signal) error {
	if pgid, err := syscall.Getpgid(pid); err == nil {
		// Negative pid sends the signal to every process in the group.
		return syscall.Kill(-pgid, sig)
	}
	return syscall.Kill(pid, sig)
}
