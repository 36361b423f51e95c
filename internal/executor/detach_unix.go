//go:build unix

package executor

import (
	"os/exec"
	"syscall"
)

// detach starts the child in a new session with no controlling terminal, so
// neither a hangup nor signals aimed at the agent's group reach it.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
