//go:build windows

package orchestrator

import (
	"os"
	"os/exec"
)

// setProcAttr is a no-op on Windows, which has no POSIX process groups.
func setProcAttr(cmd *exec.Cmd) {}

// terminateGroup has no graceful equivalent on Windows; the process is
// killed outright.
func terminateGroup(pid int) error {
	return killGroup(pid)
}

func killGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
