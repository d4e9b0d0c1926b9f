//go:build !unix

package desktop

import "os/exec"

func detach(cmd *exec.Cmd) {}
