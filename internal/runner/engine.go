package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/gxo-labs/gxo-runner/internal/command"
	"github.com/gxo-labs/gxo-runner/internal/config"
	runnerv1 "github.com/gxo-labs/gxo-runner/pkg/runner/v1"
	runerrors "github.com/gxo-labs/gxo-runner/pkg/runner/v1/errors"
)

// DetectEngineVersion runs "<engine> --version" and returns the semantic
// version it reports, e.g. "v2.15.3".
func DetectEngineVersion(ctx context.Context, r command.Runner, engine string) (string, error) {
	if engine == "" {
		engine = runnerv1.DefaultEngineCommand
	}
	res, err := r.Run(ctx, engine, []string{"--version"}, "", nil)
	if err != nil {
		return "", runerrors.NewLaunchError(engine+" --version", err)
	}
	if res.ExitCode != 0 {
		return "", runerrors.NewLaunchError(engine+" --version",
			fmt.Errorf("exit code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	return config.ParseEngineVersion(res.Stdout)
}

// DetectCompat derives compatibility flags from the installed engine.
func DetectCompat(ctx context.Context, r command.Runner, engine string) (runnerv1.Compat, string, error) {
	version, err := DetectEngineVersion(ctx, r, engine)
	if err != nil {
		return runnerv1.Compat{}, "", err
	}
	compat, err := config.CompatForEngineVersion(version)
	return compat, version, err
}
