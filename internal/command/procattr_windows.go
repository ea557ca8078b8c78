//go:build windows

package command

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

// Windows has no process groups to signal; the process is killed directly.
func terminateGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}

func killGroup(p *os.Process) error {
	return terminateGroup(p)
}
