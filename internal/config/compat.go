package config

import (
	"fmt"
	"regexp"

	runner "github.com/gxo-labs/gxo-runner/pkg/runner/v1"
	runerrors "github.com/gxo-labs/gxo-runner/pkg/runner/v1/errors"
	"golang.org/x/mod/semver"
)

// Engine releases that introduced behaviour the runner adapts to.
const (
	// runner_on_start is emitted per host from this release on.
	runnerOnStartSince = "v2.8.0"
	// playbook_on_stats carries the ignored and rescued counters from here.
	statsSummarySince = "v2.8.0"
)

var versionPattern = regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?`)

// ParseEngineVersion extracts a semantic version from version output such
// as "ansible-playbook [core 2.15.3]" or "ansible-playbook 2.9.27".
func ParseEngineVersion(output string) (string, error) {
	m := versionPattern.FindStringSubmatch(output)
	if m == nil {
		return "", runerrors.NewValidationError(fmt.Sprintf("no engine version found in %q", output), nil)
	}
	patch := m[3]
	if patch == "" {
		patch = "0"
	}
	return fmt.Sprintf("v%s.%s.%s", m[1], m[2], patch), nil
}

// CompatForEngineVersion derives compatibility flags from an engine version.
func CompatForEngineVersion(version string) (runner.Compat, error) {
	v, err := ParseEngineVersion(version)
	if err != nil {
		return runner.Compat{}, err
	}
	if !semver.IsValid(v) {
		return runner.Compat{}, runerrors.NewValidationError(fmt.Sprintf("invalid engine version '%s'", version), nil)
	}
	return runner.Compat{
		RunnerOnStart:      semver.Compare(v, runnerOnStartSince) >= 0,
		StatsSummaryFields: semver.Compare(v, statsSummarySince) >= 0,
	}, nil
}
