// Package env provisions the isolated per-plugin environment directory
// InterpreterRuntime plugins execute in.
//
// Grounded on original_source/src/services/plugin_service.rs
// (prepare_python_env, resolve_python_dependencies, run_uv_command):
// invoke an external packaging CLI ("uv") to create the environment
// and install the resolved dependency variant, in the same two-step
// (`uv venv`, then `uv pip install ...`) shape.
package env

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"go.uber.org/zap"

	"github.com/atomnode/node/internal/apperr"
	"github.com/atomnode/node/internal/models"
)

// Provisioner creates and populates per-plugin environment directories
// via an external packaging CLI.
type Provisioner struct {
	logger     *zap.Logger
	packagingCLI string
}

// New builds a Provisioner that shells out to packagingCLI (e.g. "uv").
func New(logger *zap.Logger, packagingCLI string) *Provisioner {
	if packagingCLI == "" {
		packagingCLI = "uv"
	}
	return &Provisioner{logger: logger, packagingCLI: packagingCLI}
}

// ResolveDeps looks, in order, in metadataDir, entryPointDir, and
// pluginRoot; within each directory it checks for a project file then
// a requirements file, returning the first EnvDeps found. Returns
// nil, nil if none is present anywhere.
func ResolveDeps(metadataDir, entryPointDir, pluginRoot string) (*models.EnvDeps, error) {
	for _, dir := range []string{metadataDir, entryPointDir, pluginRoot} {
		if dir == "" {
			continue
		}
		if project := filepath.Join(dir, "pyproject.toml"); isFile(project) {
			return relEnvDeps(models.EnvDepsProjectFile, project, pluginRoot), nil
		}
		if req := filepath.Join(dir, "requirements.txt"); isFile(req) {
			return relEnvDeps(models.EnvDepsRequirementsFile, req, pluginRoot), nil
		}
	}
	return nil, nil
}

func relEnvDeps(source models.EnvDepsSource, path, pluginRoot string) *models.EnvDeps {
	rel, err := filepath.Rel(pluginRoot, path)
	if err != nil {
		rel = path
	}
	return &models.EnvDeps{Source: source, Path: rel}
}

// Provision creates envDir as a fresh environment and installs deps
// (if any) into it, resolving paths in deps relative to pluginRoot.
func (p *Provisioner) Provision(ctx context.Context, envDir, pluginRoot string, deps *models.EnvDeps) error {
	if err := os.MkdirAll(filepath.Dir(envDir), 0o755); err != nil {
		return apperr.IO(err, "failed to create parent of environment %s", envDir)
	}

	if err := p.run(ctx, pluginRoot, "venv", envDir); err != nil {
		return err
	}

	interpreterPath := interpreterExecutable(envDir)
	if !isFile(interpreterPath) {
		return apperr.Environment("runtime binary not found after provisioning: %s", interpreterPath)
	}

	if deps == nil {
		return nil
	}

	args := []string{"pip", "install", "--python", interpreterPath}
	installDir := pluginRoot
	switch deps.Source {
	case models.EnvDepsRequirementsFile:
		args = append(args, "-r", deps.Path)
	case models.EnvDepsProjectFile:
		// -e . installs from the project file's own directory, which
		// may differ from pluginRoot when ResolveDeps found
		// pyproject.toml beside metadata.json or the entry point.
		args = append(args, "-e", ".")
		installDir = filepath.Dir(filepath.Join(pluginRoot, deps.Path))
	case models.EnvDepsInline:
		args = append(args, deps.Items...)
	default:
		return apperr.Environment("unknown dependency source: %s", deps.Source)
	}

	return p.run(ctx, installDir, args...)
}

func (p *Provisioner) run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, p.packagingCLI, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		p.logger.Error("packaging command failed",
			zap.String("cli", p.packagingCLI),
			zap.Strings("args", args),
			zap.ByteString("output", output),
			zap.Error(err),
		)
		return apperr.Environment("%s %v failed: %v", p.packagingCLI, args, err)
	}
	return nil
}

// Remove deletes envDir recursively; a missing directory is not an
// error.
func Remove(envDir string) error {
	if envDir == "" {
		return nil
	}
	if err := os.RemoveAll(envDir); err != nil {
		return apperr.IO(err, "failed to remove environment %s", envDir)
	}
	return nil
}

func interpreterExecutable(envDir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(envDir, "Scripts", "python.exe")
	}
	return filepath.Join(envDir, "bin", "python")
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
