package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Spec describes a long-running process.
type Spec struct {
	Path string
	Args []string
	Dir  string
	// Env replaces the inherited environment when non-nil.
	Env []string
	// StderrTail bounds how many trailing stderr bytes are kept.
	StderrTail int
	// TerminateGrace is the delay between the polite termination signal
	// and the forced kill when ctx is canceled.
	TerminateGrace time.Duration
	// CgroupDir, when set, is a cgroup v2 directory the process is created
	// in. If the kernel refuses, the process is started outside it and
	// InCgroup reports false.
	CgroupDir string
}

// Process is a started process in its own process group. Read Stdout to
// EOF before calling Wait.
type Process struct {
	cmd    *exec.Cmd
	Stdout io.ReadCloser
	stderr *tailBuffer
	exited atomic.Bool
	killer *time.Timer
	mu     sync.Mutex

	inCgroup bool
}

// Start launches spec. When ctx is canceled the whole process group is
// signalled to terminate, and killed after TerminateGrace.
func Start(ctx context.Context, spec Spec) (*Process, error) {
	if spec.CgroupDir != "" {
		if p, err := start(ctx, spec, spec.CgroupDir); err == nil {
			return p, nil
		}
	}
	return start(ctx, spec, "")
}

func start(ctx context.Context, spec Spec, cgroupDir string) (*Process, error) {
	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	setProcessGroup(cmd)
	if cgroupDir != "" {
		release, err := startInCgroup(cmd, cgroupDir)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	p := &Process{cmd: cmd, stderr: newTailBuffer(spec.StderrTail), inCgroup: cgroupDir != ""}
	cmd.Stderr = p.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	p.Stdout = stdout

	grace := spec.TerminateGrace
	cmd.Cancel = func() error {
		err := terminateGroup(cmd.Process)
		p.mu.Lock()
		if p.killer == nil {
			p.killer = time.AfterFunc(grace, func() {
				if !p.exited.Load() {
					_ = killGroup(cmd.Process)
				}
			})
		}
		p.mu.Unlock()
		return err
	}
	// Wait closes stdout if a descendant outlives the killed group.
	cmd.WaitDelay = grace + time.Second

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

// Pid returns the process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// InCgroup reports whether the process was created inside Spec.CgroupDir.
func (p *Process) InCgroup() bool { return p.inCgroup }

// CommandLine renders the command for logs and errors.
func (p *Process) CommandLine() string { return strings.Join(p.cmd.Args, " ") }

// Wait waits for exit and returns the exit code. err is non-nil only when
// the exit status could not be determined.
func (p *Process) Wait() (int, error) {
	err := p.cmd.Wait()
	p.exited.Store(true)
	p.mu.Lock()
	if p.killer != nil {
		p.killer.Stop()
	}
	p.mu.Unlock()

	if p.cmd.ProcessState != nil {
		return ExitCode(p.cmd.ProcessState), nil
	}
	if err == nil {
		err = errors.New("process state unavailable")
	}
	return -1, fmt.Errorf("waiting for %s: %w", p.cmd.Path, err)
}

// Stderr returns the retained tail of standard error.
func (p *Process) Stderr() string { return p.stderr.String() }

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.max <= 0 {
		return len(b), nil
	}
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
