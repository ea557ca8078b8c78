// Package config loads, defaults and validates run configuration, and maps
// automation engine versions to compatibility flags.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	runner "github.com/gxo-labs/gxo-runner/pkg/runner/v1"
	runerrors "github.com/gxo-labs/gxo-runner/pkg/runner/v1/errors"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// SupportedSchemaVersionConstraint is the run file major version this
// runner understands.
const SupportedSchemaVersionConstraint = "v1"

// RunFile is the on-disk form of a run configuration.
type RunFile struct {
	SchemaVersion string `yaml:"schema_version"`
	// EngineVersion, when set, derives Compat flags that the file does not
	// set explicitly.
	EngineVersion    string `yaml:"engine_version,omitempty"`
	runner.RunConfig `yaml:",inline"`
}

// LoadRunConfig parses, schema-checks and validates a YAML run file.
// Defaults are applied; relative directories resolve against baseDir.
func LoadRunConfig(data []byte, baseDir string) (*runner.RunConfig, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, runerrors.NewConfigError("run file cannot be empty", nil)
	}
	if err := ValidateWithSchema(data); err != nil {
		return nil, err
	}

	var file RunFile
	if err := yamlUnmarshalStrict(data, &file); err != nil {
		return nil, runerrors.NewConfigError("failed to parse run file", err)
	}
	if err := checkSchemaVersion(file.SchemaVersion); err != nil {
		return nil, err
	}

	cfg := file.RunConfig
	if file.EngineVersion != "" {
		compat, err := CompatForEngineVersion(file.EngineVersion)
		if err != nil {
			return nil, err
		}
		cfg.Compat.RunnerOnStart = cfg.Compat.RunnerOnStart || compat.RunnerOnStart
		cfg.Compat.StatsSummaryFields = cfg.Compat.StatsSummaryFields || compat.StatsSummaryFields
	}
	if baseDir != "" {
		cfg.PrivateDataDir = resolve(baseDir, cfg.PrivateDataDir)
		cfg.Profiling.OutputDir = resolve(baseDir, cfg.Profiling.OutputDir)
		cfg.CallbackPluginDir = resolve(baseDir, cfg.CallbackPluginDir)
	}
	cfg.ApplyDefaults()
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadRunConfigFromFile reads path and loads it, resolving relative
// directories against the file's directory.
func LoadRunConfigFromFile(path string) (*runner.RunConfig, error) {
	if path == "" {
		return nil, runerrors.NewConfigError("run file path cannot be empty", nil)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, runerrors.NewConfigError(fmt.Sprintf("failed to get absolute path for '%s'", path), err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, runerrors.NewConfigError(fmt.Sprintf("failed to read run file '%s'", abs), err)
	}
	cfg, err := LoadRunConfig(data, filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("run file '%s': %w", abs, err)
	}
	return cfg, nil
}

func resolve(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

func canonicalSemver(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

func checkSchemaVersion(v string) error {
	if v == "" {
		return runerrors.NewValidationError("run file is missing required 'schema_version' field", nil)
	}
	sv := canonicalSemver(v)
	if !semver.IsValid(sv) {
		return runerrors.NewValidationError(fmt.Sprintf("run file has invalid 'schema_version' format: '%s'", v), nil)
	}
	if semver.Major(sv) != SupportedSchemaVersionConstraint {
		return runerrors.NewValidationError(fmt.Sprintf("run file schema_version '%s' is not compatible with '%s'", v, SupportedSchemaVersionConstraint), nil)
	}
	return nil
}

// yamlUnmarshalStrict rejects unknown fields.
func yamlUnmarshalStrict(in []byte, out interface{}) error {
	decoder := yaml.NewDecoder(bytes.NewReader(in))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("YAML parsing error: %w", err)
	}
	return nil
}
