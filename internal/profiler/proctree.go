package profiler

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	runner "github.com/gxo-labs/gxo-runner/pkg/runner/v1"
	runerrors "github.com/gxo-labs/gxo-runner/pkg/runner/v1/errors"
	"github.com/shirou/gopsutil/v4/process"
)

func probeProcTree() error {
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return runerrors.NewProfilerUnavailableError(runner.BackendProcTree, "cannot inspect processes", err)
	}
	if _, err := self.Times(); err != nil {
		return runerrors.NewProfilerUnavailableError(runner.BackendProcTree, "cannot read process CPU times", err)
	}
	if _, err := self.MemoryInfo(); err != nil {
		return runerrors.NewProfilerUnavailableError(runner.BackendProcTree, "cannot read process memory", err)
	}
	return nil
}

// procTreeGroup measures a process and its live descendants. It needs no
// privileges, but CPU time of descendants that already exited is not
// counted.
type procTreeGroup struct {
	name string

	mu      sync.Mutex
	root    *process.Process
	lastCPU float64
	lastAt  time.Time
}

func newProcTreeGroup(name string) *procTreeGroup {
	return &procTreeGroup{name: name}
}

func (g *procTreeGroup) Path() string { return g.name }

func (g *procTreeGroup) Attach(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Errorf("inspecting pid %d: %w", pid, err)
	}
	g.mu.Lock()
	g.root = p
	g.mu.Unlock()
	return nil
}

// tree returns the root and its descendants that are still running.
func (g *procTreeGroup) tree() []*process.Process {
	g.mu.Lock()
	root := g.root
	g.mu.Unlock()
	if root == nil {
		return nil
	}
	if running, err := root.IsRunning(); err != nil || !running {
		return nil
	}
	out := []*process.Process{root}
	for i := 0; i < len(out); i++ {
		children, err := out[i].Children()
		if err != nil {
			continue
		}
		out = append(out, children...)
	}
	return out
}

func (g *procTreeGroup) Read(kind runner.MetricKind) (float64, error) {
	procs := g.tree()
	switch kind {
	case runner.MetricPIDs:
		return float64(len(procs)), nil
	case runner.MetricMemory:
		var rss uint64
		for _, p := range procs {
			if mi, err := p.MemoryInfo(); err == nil {
				rss += mi.RSS
			}
		}
		return float64(rss) / bytesPerMB, nil
	case runner.MetricCPU:
		var secs float64
		for _, p := range procs {
			if t, err := p.Times(); err == nil {
				secs += t.User + t.System
			}
		}
		return g.cpuPercent(secs, time.Now()), nil
	default:
		return 0, errors.New("unknown metric kind " + string(kind))
	}
}

func (g *procTreeGroup) cpuPercent(secs float64, now time.Time) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	usec := uint64(secs * 1e6)
	pct := cpuPercent(uint64(g.lastCPU*1e6), usec, g.lastAt, now)
	g.lastCPU, g.lastAt = secs, now
	return pct
}

func (g *procTreeGroup) Close() error { return nil }
