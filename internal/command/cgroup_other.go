//go:build !linux

package command

import (
	"errors"
	"os/exec"
)

func startInCgroup(*exec.Cmd, string) (func(), error) {
	return nil, errors.New("starting processes in a cgroup requires linux")
}
