package v1

import (
	"path/filepath"
	"time"
)

// Defaults applied by ApplyDefaults and by the run config loader.
const (
	DefaultPollInterval     = 0.25
	DefaultProfilingBackend = "cgroup"
	DefaultBaseGroup        = "gxo-runner"
	DefaultEventCallback    = "gxo_events"
	DefaultEngineCommand    = "ansible-playbook"
	DefaultMaxLineBytes     = 16 << 20
	DefaultTerminateGrace   = 5 * time.Second

	// ProfilingDirName is the default profiling output directory under the
	// private data directory.
	ProfilingDirName = "profiling_data"
	// PerfRecapCallback is the engine callback that emits per-task profiling
	// series; it is appended to the enabled callback list when profiling.
	PerfRecapCallback = "cgroup_perf_recap"
)

// Profiler backend names.
const (
	BackendCgroup   = "cgroup"
	BackendProcTree = "proctree"
)

// RunConfig is the explicit configuration of one run. There is no global
// state: every setting the controller honours lives here.
type RunConfig struct {
	// PrivateDataDir is the working area for the run; inventory, project and
	// artifacts are materialised beneath it.
	PrivateDataDir string `yaml:"private_data_dir" json:"private_data_dir"`
	// Ident identifies the run. Generated when empty.
	Ident string `yaml:"ident,omitempty" json:"ident,omitempty"`
	// Inventory is written to <private_data_dir>/inventory/hosts when set.
	Inventory string `yaml:"inventory,omitempty" json:"inventory,omitempty"`
	// Playbook is an inline play list, written as YAML to
	// <private_data_dir>/project/<PlaybookName>.
	Playbook []map[string]interface{} `yaml:"playbook,omitempty" json:"playbook,omitempty"`
	// PlaybookName is the project-relative playbook file. Defaults to
	// "main.yml" for inline playbooks.
	PlaybookName string `yaml:"playbook_name,omitempty" json:"playbook_name,omitempty"`
	// Command overrides the engine command line. When empty the controller
	// runs DefaultEngineCommand against the inventory and playbook.
	Command []string `yaml:"command,omitempty" json:"command,omitempty"`
	// Env is merged over the inherited process environment.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	// EventCallback is the engine's stdout callback that emits one JSON
	// event per line.
	EventCallback string `yaml:"event_callback,omitempty" json:"event_callback,omitempty"`
	// CallbackPluginDir is exported as ANSIBLE_CALLBACK_PLUGINS when set.
	CallbackPluginDir string `yaml:"callback_plugin_dir,omitempty" json:"callback_plugin_dir,omitempty"`

	Profiling ProfilingConfig `yaml:"profiling,omitempty" json:"profiling"`
	Compat    Compat          `yaml:"compat,omitempty" json:"compat"`
	Artifacts ArtifactConfig  `yaml:"artifacts,omitempty" json:"artifacts"`

	// MaxLineBytes bounds a single stdout line.
	MaxLineBytes int `yaml:"max_line_bytes,omitempty" json:"max_line_bytes,omitempty"`
	// TerminateGrace is how long a canceled subprocess group gets between
	// SIGTERM and SIGKILL.
	TerminateGrace time.Duration `yaml:"terminate_grace,omitempty" json:"terminate_grace,omitempty"`
}

// ProfilingConfig controls the resource profiler.
type ProfilingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Backend selects the sampling backend: "cgroup" or "proctree".
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty"`
	// BaseGroup is the parent confinement group; the run's group is
	// <BaseGroup>/<ident>.
	BaseGroup string `yaml:"base_group,omitempty" json:"base_group,omitempty"`
	// Poll intervals are fractional seconds.
	CPUPollInterval    float64 `yaml:"cpu_poll_interval,omitempty" json:"cpu_poll_interval,omitempty"`
	MemoryPollInterval float64 `yaml:"memory_poll_interval,omitempty" json:"memory_poll_interval,omitempty"`
	PIDPollInterval    float64 `yaml:"pid_poll_interval,omitempty" json:"pid_poll_interval,omitempty"`
	// OutputDir receives one series file per metric kind.
	OutputDir string `yaml:"output_dir,omitempty" json:"output_dir,omitempty"`
}

// Interval returns the poll interval for kind as a duration.
func (p ProfilingConfig) Interval(kind MetricKind) time.Duration {
	var secs float64
	switch kind {
	case MetricCPU:
		secs = p.CPUPollInterval
	case MetricMemory:
		secs = p.MemoryPollInterval
	case MetricPIDs:
		secs = p.PIDPollInterval
	}
	if secs <= 0 {
		secs = DefaultPollInterval
	}
	return time.Duration(secs * float64(time.Second))
}

// GroupName returns the relative confinement group of a run.
func (p ProfilingConfig) GroupName(ident string) string {
	return p.BaseGroup + "/" + ident
}

// Compat carries engine-version dependent behaviour as explicit flags.
type Compat struct {
	// RunnerOnStart means the engine emits runner_on_start per host, which
	// then opens the profiling window of a task.
	RunnerOnStart bool `yaml:"runner_on_start,omitempty" json:"runner_on_start,omitempty"`
	// StatsSummaryFields means playbook_on_stats must carry every field in
	// StatsSummaryFields.
	StatsSummaryFields bool `yaml:"stats_summary_fields,omitempty" json:"stats_summary_fields,omitempty"`
}

// ArtifactConfig controls the raw stdout artifact.
type ArtifactConfig struct {
	// Stdout tees the raw engine output to artifacts/<ident>/stdout.
	Stdout     bool `yaml:"stdout,omitempty" json:"stdout,omitempty"`
	MaxSizeMB  int  `yaml:"max_size_mb,omitempty" json:"max_size_mb,omitempty"`
	MaxBackups int  `yaml:"max_backups,omitempty" json:"max_backups,omitempty"`
	Compress   bool `yaml:"compress,omitempty" json:"compress,omitempty"`
}

// ApplyDefaults fills zero-valued settings with their documented defaults.
// It is idempotent.
func (c *RunConfig) ApplyDefaults() {
	if c.EventCallback == "" {
		c.EventCallback = DefaultEventCallback
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = DefaultMaxLineBytes
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = DefaultTerminateGrace
	}
	if c.PlaybookName == "" && len(c.Playbook) > 0 {
		c.PlaybookName = "main.yml"
	}
	p := &c.Profiling
	if p.Backend == "" {
		p.Backend = DefaultProfilingBackend
	}
	if p.BaseGroup == "" {
		p.BaseGroup = DefaultBaseGroup
	}
	if p.CPUPollInterval == 0 {
		p.CPUPollInterval = DefaultPollInterval
	}
	if p.MemoryPollInterval == 0 {
		p.MemoryPollInterval = DefaultPollInterval
	}
	if p.PIDPollInterval == 0 {
		p.PIDPollInterval = DefaultPollInterval
	}
	if p.OutputDir == "" && c.PrivateDataDir != "" {
		p.OutputDir = filepath.Join(c.PrivateDataDir, ProfilingDirName)
	}
	if c.Artifacts.MaxSizeMB <= 0 {
		c.Artifacts.MaxSizeMB = 100
	}
}
