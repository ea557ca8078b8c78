package profiler

import (
	runner "github.com/gxo-labs/gxo-runner/pkg/runner/v1"
	runerrors "github.com/gxo-labs/gxo-runner/pkg/runner/v1/errors"
	runlog "github.com/gxo-labs/gxo-runner/pkg/runner/v1/log"
)

// Group is a set of processes whose resource usage is measured together.
type Group interface {
	// Path identifies the group; for cgroups it is the absolute directory.
	Path() string
	// Attach places pid, and through inheritance its descendants, in the group.
	Attach(pid int) error
	// Read returns the current value of kind in the kind's units. CPU is
	// the utilisation since the previous CPU read.
	Read(kind runner.MetricKind) (float64, error)
	// Close releases the group.
	Close() error
}

// launcher is implemented by groups that new processes can be created in
// directly, so that no child forked before Attach escapes the group.
type launcher interface {
	LaunchDir() string
}

// Probe reports whether the configured backend can run on this host. The
// error is a *errors.ProfilerUnavailableError.
func Probe(cfg runner.ProfilingConfig) error {
	switch cfg.Backend {
	case runner.BackendCgroup, "":
		return probeCgroup(cgroupRoot)
	case runner.BackendProcTree:
		return probeProcTree()
	default:
		return runerrors.NewProfilerUnavailableError(cfg.Backend, "unknown profiling backend", nil)
	}
}

func openGroup(cfg runner.ProfilingConfig, ident string, log runlog.Logger) (Group, error) {
	if err := Probe(cfg); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case runner.BackendProcTree:
		return newProcTreeGroup(cfg.GroupName(ident)), nil
	default:
		g, err := newCgroup(cgroupRoot, cfg.GroupName(ident), log)
		if err != nil {
			return nil, err
		}
		return g, nil
	}
}

const bytesPerMB = 1024 * 1024
