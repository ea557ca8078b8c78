//go:build !linux

package profiler

import (
	"runtime"

	runner "github.com/gxo-labs/gxo-runner/pkg/runner/v1"
	runerrors "github.com/gxo-labs/gxo-runner/pkg/runner/v1/errors"
	runlog "github.com/gxo-labs/gxo-runner/pkg/runner/v1/log"
)

const cgroupRoot = ""

func probeCgroup(string) error {
	return runerrors.NewProfilerUnavailableError(runner.BackendCgroup, "cgroups are not supported on "+runtime.GOOS, nil)
}

func newCgroup(_, _ string, _ runlog.Logger) (Group, error) {
	return nil, probeCgroup(cgroupRoot)
}
