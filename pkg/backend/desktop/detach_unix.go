//go:build unix

package desktop

import (
	"os/exec"
	"syscall"
)

// detach puts the companion in its own session so terminal signals aimed
// at us do not reach it first.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
