package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	runner "github.com/gxo-labs/gxo-runner/pkg/runner/v1"
	runerrors "github.com/gxo-labs/gxo-runner/pkg/runner/v1/errors"
)

// identRegex keeps idents usable as directory and cgroup names.
var identRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// envNameRegex matches portable environment variable names.
var envNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks a defaulted run configuration and reports every problem
// found in one *errors.ValidationError.
func Validate(cfg *runner.RunConfig) error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if cfg.PrivateDataDir == "" {
		add("private_data_dir is required")
	}
	if cfg.Ident != "" && !identRegex.MatchString(cfg.Ident) {
		add("ident '%s' may only contain letters, digits, '.', '_' and '-'", cfg.Ident)
	}
	if len(cfg.Command) == 0 && cfg.PlaybookName == "" {
		add("either command or a playbook is required")
	}
	if cfg.PlaybookName != "" && (filepath.IsAbs(cfg.PlaybookName) || escapes(cfg.PlaybookName)) {
		add("playbook_name '%s' must be relative to the project directory", cfg.PlaybookName)
	}
	for name := range cfg.Env {
		if !envNameRegex.MatchString(name) {
			add("env name '%s' is not a valid variable name", name)
		}
	}
	if cfg.MaxLineBytes <= 0 {
		add("max_line_bytes must be positive")
	}
	if cfg.TerminateGrace < 0 {
		add("terminate_grace cannot be negative")
	}
	if cfg.Artifacts.MaxSizeMB < 0 || cfg.Artifacts.MaxBackups < 0 {
		add("artifact rotation limits cannot be negative")
	}

	p := cfg.Profiling
	if p.Enabled {
		switch p.Backend {
		case runner.BackendCgroup, runner.BackendProcTree:
		default:
			add("profiling backend '%s' is not one of cgroup, proctree", p.Backend)
		}
		if p.BaseGroup == "" || filepath.IsAbs(p.BaseGroup) || escapes(p.BaseGroup) {
			add("profiling base_group '%s' must be a relative group path", p.BaseGroup)
		}
		for name, v := range map[string]float64{
			"cpu_poll_interval":    p.CPUPollInterval,
			"memory_poll_interval": p.MemoryPollInterval,
			"pid_poll_interval":    p.PIDPollInterval,
		} {
			if v <= 0 {
				add("profiling %s must be positive, got %v", name, v)
			}
		}
		if p.OutputDir == "" {
			add("profiling output_dir is required")
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return runerrors.NewValidationError(fmt.Sprintf("%d problem(s):\n- %s", len(problems), strings.Join(problems, "\n- ")), nil)
}

func escapes(rel string) bool {
	clean := filepath.ToSlash(filepath.Clean(rel))
	return clean == ".." || strings.HasPrefix(clean, "../")
}
