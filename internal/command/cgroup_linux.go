//go:build linux

package command

import (
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// startInCgroup makes cmd start inside the cgroup at dir (CLONE_INTO_CGROUP).
// The returned func closes the directory descriptor once the process has
// been started.
func startInCgroup(cmd *exec.Cmd, dir string) (func(), error) {
	fd, err := unix.Open(dir, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening cgroup %s: %w", dir, err)
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.UseCgroupFD = true
	cmd.SysProcAttr.CgroupFD = fd
	return func() { _ = unix.Close(fd) }, nil
}
