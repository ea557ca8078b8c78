package runner

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	runnerv1 "github.com/gxo-labs/gxo-runner/pkg/runner/v1"
)

// Environment variables read by the engine and its callback plugins.
const (
	EnvRunnerIdent       = "RUNNER_IDENT"
	EnvUnbuffered        = "PYTHONUNBUFFERED"
	EnvStdoutCallback    = "ANSIBLE_STDOUT_CALLBACK"
	EnvCallbackPlugins   = "ANSIBLE_CALLBACK_PLUGINS"
	EnvCallbackWhitelist = "ANSIBLE_CALLBACK_WHITELIST"
	EnvCallbacksEnabled  = "ANSIBLE_CALLBACKS_ENABLED"

	EnvCgroupControlGroup   = "CGROUP_CONTROL_GROUP"
	EnvCgroupCPUInterval    = "CGROUP_CPU_POLL_INTERVAL"
	EnvCgroupMemoryInterval = "CGROUP_MEMORY_POLL_INTERVAL"
	EnvCgroupPIDInterval    = "CGROUP_PID_POLL_INTERVAL"
	EnvCgroupOutputDir      = "CGROUP_OUTPUT_DIR"
	EnvCgroupOutputFormat   = "CGROUP_OUTPUT_FORMAT"
	EnvCgroupFilePerTask    = "CGROUP_FILE_PER_TASK"
	EnvCgroupWriteFiles     = "CGROUP_WRITE_FILES"
	EnvCgroupDisplayRecap   = "CGROUP_DISPLAY_RECAP"
)

// ComposeEnv builds the subprocess environment. Later sources override
// earlier ones: base (usually os.Environ()), then cfg.Env, then the runner's
// own variables, then the profiling variables when profiling is true.
func ComposeEnv(base []string, cfg runnerv1.RunConfig, profiling bool) (map[string]string, error) {
	env := make(map[string]string, len(base)+len(cfg.Env)+16)
	for _, kv := range base {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		env[name] = value
	}
	for k, v := range cfg.Env {
		env[k] = v
	}

	env[EnvRunnerIdent] = cfg.Ident
	env[EnvUnbuffered] = "1"
	if cfg.EventCallback != "" {
		env[EnvStdoutCallback] = cfg.EventCallback
	}
	if cfg.CallbackPluginDir != "" {
		dir, err := filepath.Abs(cfg.CallbackPluginDir)
		if err != nil {
			return nil, err
		}
		env[EnvCallbackPlugins] = appendList(env[EnvCallbackPlugins], dir, ":")
	}

	if profiling {
		p := cfg.Profiling
		outputDir, err := filepath.Abs(p.OutputDir)
		if err != nil {
			return nil, err
		}
		env[EnvCgroupControlGroup] = p.GroupName(cfg.Ident)
		env[EnvCgroupCPUInterval] = formatSeconds(p.CPUPollInterval)
		env[EnvCgroupMemoryInterval] = formatSeconds(p.MemoryPollInterval)
		env[EnvCgroupPIDInterval] = formatSeconds(p.PIDPollInterval)
		env[EnvCgroupOutputDir] = outputDir
		env[EnvCgroupOutputFormat] = "json"
		env[EnvCgroupFilePerTask] = "True"
		env[EnvCgroupWriteFiles] = "True"
		env[EnvCgroupDisplayRecap] = "False"
		env[EnvCallbackWhitelist] = appendList(env[EnvCallbackWhitelist], runnerv1.PerfRecapCallback, ",")
		env[EnvCallbacksEnabled] = appendList(env[EnvCallbacksEnabled], runnerv1.PerfRecapCallback, ",")
	}
	return env, nil
}

// EnvList renders env as sorted KEY=VALUE pairs.
func EnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// formatSeconds renders the shortest decimal form, e.g. 0.25 or 1.
func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// appendList adds item to a sep-separated list unless already present.
func appendList(list, item, sep string) string {
	if strings.TrimSpace(list) == "" {
		return item
	}
	for _, existing := range strings.Split(list, sep) {
		if strings.TrimSpace(existing) == item {
			return list
		}
	}
	return list + sep + item
}
