//go:build linux

package profiler

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gxo-labs/gxo-runner/internal/retry"
	runner "github.com/gxo-labs/gxo-runner/pkg/runner/v1"
	runerrors "github.com/gxo-labs/gxo-runner/pkg/runner/v1/errors"
	runlog "github.com/gxo-labs/gxo-runner/pkg/runner/v1/log"
	"golang.org/x/sys/unix"
)

const cgroupRoot = "/sys/fs/cgroup"

var requiredControllers = []string{"cpu", "memory", "pids"}

func unavailable(reason string, cause error) error {
	return runerrors.NewProfilerUnavailableError(runner.BackendCgroup, reason, cause)
}

func probeCgroup(root string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return unavailable("cannot stat cgroup mount "+root, err)
	}
	if st.Type != unix.CGROUP2_SUPER_MAGIC {
		return unavailable("cgroup v2 unified hierarchy is not mounted at "+root, nil)
	}
	data, err := os.ReadFile(filepath.Join(root, "cgroup.controllers"))
	if err != nil {
		return unavailable("cannot read root cgroup controllers", err)
	}
	available := strings.Fields(string(data))
	for _, c := range requiredControllers {
		if !contains(available, c) {
			return unavailable(fmt.Sprintf("controller %q is not available", c), nil)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type cgroupV2 struct {
	dir   string
	retry *retry.Helper

	cpuMu    sync.Mutex
	lastUsec uint64
	lastAt   time.Time
}

// newCgroup creates <root>/<name>, enabling the required controllers in
// each ancestor below root when they are not delegated yet.
func newCgroup(root, name string, log runlog.Logger) (*cgroupV2, error) {
	dir := filepath.Join(root, filepath.Clean("/"+name))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, unavailable("cannot create cgroup "+dir, err)
	}
	g := &cgroupV2{dir: dir, retry: retry.NewHelper(log)}
	if !g.hasControllerFiles() {
		enableControllers(root, filepath.Dir(dir))
	}
	if !g.hasControllerFiles() {
		_ = os.Remove(dir)
		return nil, unavailable("cpu, memory and pids controllers are not delegated to "+filepath.Dir(dir), nil)
	}
	return g, nil
}

func (g *cgroupV2) hasControllerFiles() bool {
	for _, f := range []string{"cpu.stat", "memory.current", "pids.current"} {
		if _, err := os.Stat(filepath.Join(g.dir, f)); err != nil {
			return false
		}
	}
	return true
}

// enableControllers writes "+cpu +memory +pids" into subtree_control from
// root down to parent. Failures are left for the caller's file check.
func enableControllers(root, parent string) {
	rel, err := filepath.Rel(root, parent)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	dirs := []string{root}
	if rel != "." {
		cur := root
		for _, part := range strings.Split(rel, string(filepath.Separator)) {
			cur = filepath.Join(cur, part)
			dirs = append(dirs, cur)
		}
	}
	ctl := "+" + strings.Join(requiredControllers, " +")
	for _, d := range dirs {
		_ = os.WriteFile(filepath.Join(d, "cgroup.subtree_control"), []byte(ctl), 0)
	}
}

func (g *cgroupV2) Path() string { return g.dir }

func (g *cgroupV2) LaunchDir() string { return g.dir }

func (g *cgroupV2) Attach(pid int) error {
	err := os.WriteFile(filepath.Join(g.dir, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0)
	if err != nil {
		return fmt.Errorf("moving pid %d into %s: %w", pid, g.dir, err)
	}
	return nil
}

func (g *cgroupV2) Read(kind runner.MetricKind) (float64, error) {
	switch kind {
	case runner.MetricCPU:
		return g.readCPU()
	case runner.MetricMemory:
		v, err := readUint(filepath.Join(g.dir, "memory.current"))
		return float64(v) / bytesPerMB, err
	case runner.MetricPIDs:
		v, err := readUint(filepath.Join(g.dir, "pids.current"))
		return float64(v), err
	default:
		return 0, fmt.Errorf("unknown metric kind %q", kind)
	}
}

func (g *cgroupV2) readCPU() (float64, error) {
	data, err := os.ReadFile(filepath.Join(g.dir, "cpu.stat"))
	if err != nil {
		return 0, err
	}
	usec, err := parseCPUStat(data)
	if err != nil {
		return 0, err
	}
	now := time.Now()

	g.cpuMu.Lock()
	defer g.cpuMu.Unlock()
	pct := cpuPercent(g.lastUsec, usec, g.lastAt, now)
	g.lastUsec, g.lastAt = usec, now
	return pct, nil
}

// Close removes the group. Members that are still exiting keep it busy
// for a moment, so EBUSY is retried briefly.
func (g *cgroupV2) Close() error {
	err := g.retry.Do(context.Background(), retry.Config{
		Attempts:      10,
		Delay:         20 * time.Millisecond,
		MaxDelay:      200 * time.Millisecond,
		BackoffFactor: 1.5,
		Retryable:     func(err error) bool { return errors.Is(err, unix.EBUSY) },
		Name:          "cgroup " + g.dir,
	}, func(context.Context) error {
		err := os.Remove(g.dir)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("removing cgroup %s: %w", g.dir, err)
	}
	return nil
}

// parseCPUStat extracts usage_usec from a cpu.stat document.
func parseCPUStat(data []byte) (uint64, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), " ")
		if ok && key == "usage_usec" {
			return strconv.ParseUint(strings.TrimSpace(val), 10, 64)
		}
	}
	return 0, errors.New("cpu.stat has no usage_usec")
}

func readUint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if s == "max" {
		return 0, fmt.Errorf("%s is unbounded", path)
	}
	return strconv.ParseUint(s, 10, 64)
}
