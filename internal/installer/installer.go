// Package installer implements the Plugin Installer: install, update,
// and uninstall, composing the Archive Extractor, Metadata Parser,
// Environment Provisioner, and Plugin Store with rollback on any
// failure partway through.
//
// Grounded on original_source/src/services/plugin_service.rs
// (install_plugin, uninstall_plugin) for the side-effect ordering and
// cleanup-on-failure shape; extended with the update flow and the
// metadata-relative entry-point fallback that spec.md §4.4 adds on top
// of that source's single resolution attempt.
package installer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver"
	"go.uber.org/zap"

	"github.com/atomnode/node/internal/apperr"
	"github.com/atomnode/node/internal/archive"
	"github.com/atomnode/node/internal/env"
	"github.com/atomnode/node/internal/fetch"
	"github.com/atomnode/node/internal/metadata"
	"github.com/atomnode/node/internal/models"
	"github.com/atomnode/node/internal/param"
	"github.com/atomnode/node/internal/paths"
	"github.com/atomnode/node/internal/pluginstore"
)

// Installer drives install/update/uninstall of plugin packages.
type Installer struct {
	logger      *zap.Logger
	plugins     *pluginstore.Store
	paths       *paths.Resolver
	provisioner *env.Provisioner
	fetcher     *fetch.Fetcher
	clock       func() time.Time
}

// New builds an Installer.
func New(logger *zap.Logger, plugins *pluginstore.Store, resolver *paths.Resolver, provisioner *env.Provisioner) *Installer {
	return &Installer{logger: logger, plugins: plugins, paths: resolver, provisioner: provisioner, fetcher: fetch.New(), clock: time.Now}
}

// InstallFromURL resolves packageURL (file://, bare/relative path, or
// http(s)) to bytes and installs it.
func (i *Installer) InstallFromURL(ctx context.Context, packageURL string) (*models.Plugin, error) {
	data, err := i.fetcher.Fetch(ctx, packageURL, "")
	if err != nil {
		return nil, err
	}
	return i.Install(ctx, data)
}

// UpdateFromURL resolves packageURL the same way as InstallFromURL and
// updates pluginID with it.
func (i *Installer) UpdateFromURL(ctx context.Context, pluginID, packageURL string) (*models.Plugin, error) {
	data, err := i.fetcher.Fetch(ctx, packageURL, "")
	if err != nil {
		return nil, err
	}
	return i.Update(ctx, pluginID, data)
}

// cleanupStack runs its registered actions in reverse order; it is the
// compensating-action mechanism the installer registers resources
// against as it creates them, per the scoped-cleanup discipline in
// spec.md §9 (no transaction spans filesystem and DB here).
type cleanupStack struct {
	actions []func()
}

func (c *cleanupStack) push(action func()) {
	c.actions = append(c.actions, action)
}

func (c *cleanupStack) run() {
	for i := len(c.actions) - 1; i >= 0; i-- {
		c.actions[i]()
	}
}

// Install parses, extracts, provisions, and registers a new plugin
// from packageBytes, rolling back every filesystem side effect if any
// step after plugin_id validation fails.
func (i *Installer) Install(ctx context.Context, packageBytes []byte) (*models.Plugin, error) {
	found, err := metadata.ParseArchiveMetadata(packageBytes)
	if err != nil {
		return nil, err
	}
	spec := found.Spec

	if _, err := i.plugins.Get(spec.PluginID); err == nil {
		return nil, apperr.AlreadyExists("plugin already installed: %s", spec.PluginID)
	} else if apperr.KindOf(err) != apperr.KindNotFound {
		return nil, err
	}

	pluginType, err := parsePluginType(spec.PluginType)
	if err != nil {
		return nil, err
	}
	if err := param.ValidateSchema(spec.Parameters); err != nil {
		return nil, err
	}

	pluginDir := i.paths.PluginDir(spec.PluginID)
	cleanup := &cleanupStack{}
	defer cleanup.run()

	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		return nil, apperr.IO(err, "failed to create plugin directory %s", pluginDir)
	}
	cleanup.push(func() { os.RemoveAll(pluginDir) })

	if err := archive.Extract(packageBytes, pluginDir); err != nil {
		return nil, err
	}

	_, entryPointDir, err := resolveEntryPoint(pluginDir, found.Dir, spec.EntryPoint)
	if err != nil {
		return nil, err
	}

	var envPath string
	var deps *models.EnvDeps
	if pluginType == models.InterpreterRuntime {
		envDir := i.paths.PythonEnvDir(spec.PluginID)
		cleanup.push(func() { env.Remove(envDir) })

		metadataDir := pluginDir
		if found.Dir != "" {
			metadataDir = filepath.Join(pluginDir, found.Dir)
		}
		deps, err = env.ResolveDeps(metadataDir, entryPointDir, pluginDir)
		if err != nil {
			return nil, err
		}
		if err := i.provisioner.Provision(ctx, envDir, pluginDir, deps); err != nil {
			return nil, err
		}
		envPath = envDir
	}

	now := i.clock().UnixMilli()
	plugin := &models.Plugin{
		PluginID:       spec.PluginID,
		Name:           spec.Name,
		Version:        spec.Version,
		Description:    spec.Description,
		Author:         spec.Author,
		PluginType:     pluginType,
		PluginPath:     pluginDir,
		EntryPoint:     relEntryPoint(found.Dir, spec.EntryPoint),
		Enabled:        true,
		Parameters:     spec.Parameters,
		EnvPath:        envPath,
		EnvDeps:        deps,
		MinHostVersion: spec.MinHostVersion,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := i.plugins.Create(plugin); err != nil {
		return nil, err
	}

	cleanup.actions = nil
	return plugin, nil
}

// Update replaces an installed plugin with a strictly newer version
// from the same archive shape, validating the candidate in a scratch
// directory before touching the installed plugin.
func (i *Installer) Update(ctx context.Context, pluginID string, packageBytes []byte) (*models.Plugin, error) {
	existing, err := i.plugins.Get(pluginID)
	if err != nil {
		return nil, err
	}

	found, err := metadata.ParseArchiveMetadata(packageBytes)
	if err != nil {
		return nil, err
	}
	if found.Spec.PluginID != pluginID {
		return nil, apperr.Validation("candidate plugin_id %q does not match target %q", found.Spec.PluginID, pluginID)
	}

	candidateVersion, err := semver.NewVersion(found.Spec.Version)
	if err != nil {
		return nil, apperr.Validation("candidate version %q is not valid semver: %v", found.Spec.Version, err)
	}
	existingVersion, err := semver.NewVersion(existing.Version)
	if err != nil {
		return nil, apperr.Validation("installed version %q is not valid semver: %v", existing.Version, err)
	}
	if !candidateVersion.GreaterThan(existingVersion) {
		return nil, apperr.Validation("candidate version %s is not newer than installed version %s", found.Spec.Version, existing.Version)
	}

	if err := i.validateCandidate(found, packageBytes); err != nil {
		return nil, err
	}

	if err := i.Uninstall(pluginID); err != nil {
		return nil, err
	}
	return i.Install(ctx, packageBytes)
}

// validateCandidate extracts packageBytes into a scratch directory and
// checks the entry point and parameter schema resolve cleanly, without
// mutating the installed plugin.
func (i *Installer) validateCandidate(found *metadata.Found, packageBytes []byte) error {
	scratch, err := os.MkdirTemp("", "atomnode-update-*")
	if err != nil {
		return apperr.IO(err, "failed to create scratch directory")
	}
	defer os.RemoveAll(scratch)

	if err := archive.Extract(packageBytes, scratch); err != nil {
		return err
	}
	if _, _, err := resolveEntryPoint(scratch, found.Dir, found.Spec.EntryPoint); err != nil {
		return err
	}
	return param.ValidateSchema(found.Spec.Parameters)
}

// Uninstall removes a plugin's filesystem footprint and store row.
// Missing-on-disk is not an error; missing in the store is.
func (i *Installer) Uninstall(pluginID string) error {
	plugin, err := i.plugins.Get(pluginID)
	if err != nil {
		return err
	}

	if plugin.PluginPath != "" {
		if err := os.RemoveAll(plugin.PluginPath); err != nil {
			return apperr.IO(err, "failed to remove plugin directory %s", plugin.PluginPath)
		}
	}
	if err := env.Remove(plugin.EnvPath); err != nil {
		return err
	}

	return i.plugins.Delete(pluginID)
}

// resolveEntryPoint tries pluginDir/entryPoint first; if that is not a
// file and metadata lives in a subdirectory, it retries at
// <pluginDir>/<metadataDir>/entryPoint, re-validating that the
// resolved path stays under pluginDir.
func resolveEntryPoint(pluginDir, metadataDir, entryPoint string) (path, dir string, err error) {
	primary := filepath.Join(pluginDir, entryPoint)
	if isFile(primary) {
		if err := ensureWithin(pluginDir, primary); err != nil {
			return "", "", err
		}
		return primary, filepath.Dir(primary), nil
	}

	if metadataDir != "" {
		fallback := filepath.Join(pluginDir, metadataDir, entryPoint)
		if err := ensureWithin(pluginDir, fallback); err != nil {
			return "", "", err
		}
		if isFile(fallback) {
			return fallback, filepath.Dir(fallback), nil
		}
	}

	return "", "", apperr.Validation("entry point not found: %s", entryPoint)
}

// relEntryPoint is the path stored on the Plugin row: entryPoint
// prefixed by metadataDir when the entry point lives beside
// metadata.json rather than at the plugin root.
func relEntryPoint(metadataDir, entryPoint string) string {
	if metadataDir == "" {
		return entryPoint
	}
	return filepath.Join(metadataDir, entryPoint)
}

func ensureWithin(root, path string) error {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return apperr.Validation("entry point path is invalid: %s", path)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return apperr.Validation("entry point escapes plugin directory: %s", path)
	}
	return nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// parsePluginType accepts this daemon's own runtime-model wire values
// ("interpreter", "script") as well as the original plugin_type values
// ("python", "javascript"/"js"), grounded on plugin_service.rs's
// parse_plugin_type. The latter are a language axis, not a runtime
// one: python plugins get an isolated interpreter environment,
// javascript plugins run under the ambient script runtime.
func parsePluginType(s string) (models.PluginType, error) {
	switch strings.ToLower(s) {
	case string(models.InterpreterRuntime), "python":
		return models.InterpreterRuntime, nil
	case string(models.ScriptRuntime), "javascript", "js":
		return models.ScriptRuntime, nil
	default:
		return "", apperr.InvalidPluginType("unknown plugin type: %s", s)
	}
}
