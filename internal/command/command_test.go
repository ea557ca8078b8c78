package command_test

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gxo-labs/gxo-runner/internal/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is re-executed as the child process by the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	switch os.Getenv("HELPER_MODE") {
	case "echo":
		fmt.Fprintln(os.Stdout, "line one")
		fmt.Fprintln(os.Stdout, "line two")
		fmt.Fprint(os.Stderr, strings.Repeat("e", 100)+"TAIL")
	case "hang":
		fmt.Fprintln(os.Stdout, "ready")
		time.Sleep(time.Minute)
	}
	code, _ := strconv.Atoi(os.Getenv("HELPER_EXIT"))
	os.Exit(code)
}

func helperEnv(mode string, exit int) []string {
	return append(os.Environ(),
		"GO_WANT_HELPER_PROCESS=1",
		"HELPER_MODE="+mode,
		"HELPER_EXIT="+strconv.Itoa(exit),
	)
}

func helperArgs() []string {
	return []string{"-test.run=TestHelperProcess", "--"}
}

func TestRunner_Run(t *testing.T) {
	r := command.NewRunner()

	res, err := r.Run(context.Background(), os.Args[0], helperArgs(), "", helperEnv("echo", 0))
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "line two")
	assert.Contains(t, res.Stderr, "TAIL")

	res, err = r.Run(context.Background(), os.Args[0], helperArgs(), "", helperEnv("echo", 3))
	require.NoError(t, err, "non-zero exit is reported through ExitCode")
	assert.Equal(t, 3, res.ExitCode)
	assert.Error(t, res.Error)
}

func TestRunner_RunMissingBinary(t *testing.T) {
	res, err := command.NewRunner().Run(context.Background(), "/nonexistent/definitely-not-here", nil, "", nil)
	require.Error(t, err)
	assert.Equal(t, -1, res.ExitCode)
}

func TestStart_StreamsStdoutAndKeepsStderrTail(t *testing.T) {
	p, err := command.Start(context.Background(), command.Spec{
		Path:       os.Args[0],
		Args:       helperArgs(),
		Env:        helperEnv("echo", 2),
		StderrTail: 10,
	})
	require.NoError(t, err)
	assert.Greater(t, p.Pid(), 0)

	out, err := io.ReadAll(p.Stdout)
	require.NoError(t, err)
	code, err := p.Wait()
	require.NoError(t, err)

	assert.Equal(t, "line one\nline two\n", string(out))
	assert.Equal(t, 2, code)
	assert.Equal(t, "eeeeeeTAIL", p.Stderr())
	assert.Contains(t, p.CommandLine(), "-test.run=TestHelperProcess")
}

func TestStart_MissingBinary(t *testing.T) {
	_, err := command.Start(context.Background(), command.Spec{Path: "/nonexistent/definitely-not-here"})
	assert.Error(t, err)
}

func TestStart_CancelTerminatesProcessGroup(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process groups are not signalled on windows")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p, err := command.Start(ctx, command.Spec{
		Path:           os.Args[0],
		Args:           helperArgs(),
		Env:            helperEnv("hang", 0),
		TerminateGrace: 2 * time.Second,
	})
	require.NoError(t, err)

	buf := make([]byte, 6)
	_, err = io.ReadFull(p.Stdout, buf)
	require.NoError(t, err)
	assert.Equal(t, "ready\n", string(buf))

	start := time.Now()
	cancel()
	_, _ = io.Copy(io.Discard, p.Stdout)
	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 128+15, code, "terminated by SIGTERM")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestStart_UnusableCgroupDirFallsBack(t *testing.T) {
	p, err := command.Start(context.Background(), command.Spec{
		Path:      os.Args[0],
		Args:      helperArgs(),
		Env:       helperEnv("echo", 0),
		CgroupDir: t.TempDir() + "/missing",
	})
	require.NoError(t, err)
	assert.False(t, p.InCgroup())

	_, _ = io.Copy(io.Discard, p.Stdout)
	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}
