package runner

import (
	"fmt"
	"os"
	"path/filepath"

	runnerv1 "github.com/gxo-labs/gxo-runner/pkg/runner/v1"
	runerrors "github.com/gxo-labs/gxo-runner/pkg/runner/v1/errors"
	"gopkg.in/yaml.v3"
)

// Layout of the private data directory.
const (
	InventoryDirName = "inventory"
	ProjectDirName   = "project"
	ArtifactsDirName = "artifacts"
	hostsFileName    = "hosts"
)

// workspace is a prepared private data directory and the command to run
// inside it.
type workspace struct {
	dir         string
	projectDir  string
	inventory   string
	playbook    string
	artifactDir string
	argv        []string
	workDir     string
}

// prepareWorkspace materializes the inventory and inline playbook under
// cfg.PrivateDataDir and resolves the engine command line.
func prepareWorkspace(cfg runnerv1.RunConfig) (*workspace, error) {
	dir, err := filepath.Abs(cfg.PrivateDataDir)
	if err != nil {
		return nil, runerrors.NewConfigError(fmt.Sprintf("cannot resolve private data dir '%s'", cfg.PrivateDataDir), err)
	}
	ws := &workspace{
		dir:         dir,
		projectDir:  filepath.Join(dir, ProjectDirName),
		artifactDir: filepath.Join(dir, ArtifactsDirName, cfg.Ident),
	}
	if err := os.MkdirAll(ws.artifactDir, 0o755); err != nil {
		return nil, runerrors.NewConfigError("cannot create private data dir", err)
	}

	if cfg.Inventory != "" {
		if ws.inventory, err = writeInventory(dir, cfg.Inventory); err != nil {
			return nil, err
		}
	}

	if cfg.PlaybookName != "" {
		ws.playbook = filepath.Join(ws.projectDir, cfg.PlaybookName)
	}
	if len(cfg.Playbook) > 0 {
		data, err := yaml.Marshal(cfg.Playbook)
		if err != nil {
			return nil, runerrors.NewConfigError("cannot encode inline playbook", err)
		}
		if err := os.MkdirAll(filepath.Dir(ws.playbook), 0o755); err != nil {
			return nil, runerrors.NewConfigError("cannot create project dir", err)
		}
		if err := os.WriteFile(ws.playbook, data, 0o644); err != nil {
			return nil, runerrors.NewConfigError("cannot write inline playbook", err)
		}
	}

	if len(cfg.Command) > 0 {
		ws.argv = append([]string(nil), cfg.Command...)
	} else {
		ws.argv = []string{runnerv1.DefaultEngineCommand}
		if ws.inventory != "" {
			ws.argv = append(ws.argv, "-i", ws.inventory)
		}
		ws.argv = append(ws.argv, ws.playbook)
	}

	ws.workDir = dir
	if fi, err := os.Stat(ws.projectDir); err == nil && fi.IsDir() {
		ws.workDir = ws.projectDir
	}
	return ws, nil
}

// writeInventory returns inv itself when it names an existing file or
// directory (relative names resolve against dir). Otherwise inv is
// inventory content and is written to inventory/hosts.
func writeInventory(dir, inv string) (string, error) {
	candidate := inv
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(dir, candidate)
	}
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	invDir := filepath.Join(dir, InventoryDirName)
	if err := os.MkdirAll(invDir, 0o755); err != nil {
		return "", runerrors.NewConfigError("cannot create inventory dir", err)
	}
	path := filepath.Join(invDir, hostsFileName)
	if err := os.WriteFile(path, []byte(inv), 0o644); err != nil {
		return "", runerrors.NewConfigError("cannot write inventory", err)
	}
	return path, nil
}
