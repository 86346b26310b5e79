// Package paths resolves the install root and its derived directories.
//
// Grounded on original_source/src/paths.rs: the root is taken from an
// environment override, else derived from the running executable's parent
// directory, with the convention that a parent literally named "bin"
// resolves one level further up.
package paths

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/atomnode/node/internal/apperr"
)

const (
	binDir         = "bin"
	pluginsDir     = "plugins"
	workDirName    = "work_dir"
	confDir        = "conf"
	dataDir        = "data"
	pythonEnvsDir  = "python_envs"
	homeEnvVar     = "ATOMNODE_HOME"
)

// Resolver computes the install root and its derived directories.
type Resolver struct {
	root string
}

// NewResolver resolves the install root once and returns a Resolver bound
// to it. override, when non-empty, takes precedence over the environment
// variable and the executable-relative default (used by tests).
func NewResolver(override string) (*Resolver, error) {
	root, err := installRoot(override)
	if err != nil {
		return nil, err
	}
	return &Resolver{root: root}, nil
}

func installRoot(override string) (string, error) {
	if override != "" {
		return override, nil
	}

	if home, ok := os.LookupEnv(homeEnvVar); ok {
		if strings.TrimSpace(home) == "" {
			return "", apperr.IO(nil, "%s is set but empty", homeEnvVar)
		}
		return home, nil
	}

	exePath, err := os.Executable()
	if err != nil {
		return "", apperr.IO(err, "failed to resolve executable path")
	}
	exeDir := filepath.Dir(exePath)

	if filepath.Base(exeDir) == binDir {
		root := filepath.Dir(exeDir)
		return root, nil
	}

	return exeDir, nil
}

// Root returns the install root directory.
func (r *Resolver) Root() string {
	return r.root
}

// PluginDir returns <install_root>/plugins/<plugin_id>.
func (r *Resolver) PluginDir(pluginID string) string {
	return filepath.Join(r.root, pluginsDir, pluginID)
}

// PluginsDir returns <install_root>/plugins.
func (r *Resolver) PluginsDir() string {
	return filepath.Join(r.root, pluginsDir)
}

// WorkDir returns <install_root>/work_dir/<execution_id>.
func (r *Resolver) WorkDir(executionID string) string {
	return filepath.Join(r.root, workDirName, executionID)
}

// ConfDir returns <install_root>/conf.
func (r *Resolver) ConfDir() string {
	return filepath.Join(r.root, confDir)
}

// DataDir returns <install_root>/data.
func (r *Resolver) DataDir() string {
	return filepath.Join(r.root, dataDir)
}

// PythonEnvDir returns <install_root>/data/python_envs/<plugin_id>.
func (r *Resolver) PythonEnvDir(pluginID string) string {
	return filepath.Join(r.DataDir(), pythonEnvsDir, pluginID)
}
