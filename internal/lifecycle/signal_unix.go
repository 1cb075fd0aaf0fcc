//go:build !windows

package lifecycle

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in its own process group so that signals
// reach the whole tree a runner like npx creates.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(pid int) error { return signalGroup(pid, syscall.SIGTERM) }

func killGroup(pid int) error { return signalGroup(pid, syscall.SIGKILL) }

// signalGroup signals the process group led by pid, falling back to the
// single process when the group is gone.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil {
		if err2 := syscall.Kill(pid, sig); err2 != nil {
			if errors.Is(err2, syscall.ESRCH) {
				return errProcessGone
			}
			return fmt.Errorf("failed to signal process group -%d: %v, and process %d: %w", pid, err, pid, err2)
		}
	}
	return nil
}
