package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomnode/node/internal/paths"
)

func newResolver(t *testing.T) *paths.Resolver {
	t.Helper()
	resolver, err := paths.NewResolver(t.TempDir())
	require.NoError(t, err)
	return resolver
}

func TestLoad_Defaults(t *testing.T) {
	resolver := newResolver(t)
	cfg, err := Load(resolver)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 6701, cfg.Port)
	assert.Equal(t, "uv", cfg.PackagingCLI)
	assert.Equal(t, "python3", cfg.ScriptInterpreter)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, filepath.Join(resolver.DataDir(), "atomnode.db"), cfg.DatabaseURL)
}

func TestLoad_ReadsConfigFile(t *testing.T) {
	resolver := newResolver(t)
	require.NoError(t, os.MkdirAll(resolver.ConfDir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(resolver.ConfDir(), "config.json"), []byte(`{
		"host": "0.0.0.0",
		"port": 9000,
		"logging": {"level": "debug"}
	}`), 0o644))

	cfg, err := Load(resolver)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	resolver := newResolver(t)
	require.NoError(t, os.MkdirAll(resolver.ConfDir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(resolver.ConfDir(), "config.json"), []byte(`{"host": "0.0.0.0"}`), 0o644))

	t.Setenv("ATOMNODE_HOST", "10.0.0.5")
	t.Setenv("ATOMNODE_LOGGING_LEVEL", "warn")

	cfg, err := Load(resolver)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.Host)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_RelativeDatabaseURLJoinedUnderRoot(t *testing.T) {
	resolver := newResolver(t)
	require.NoError(t, os.MkdirAll(resolver.ConfDir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(resolver.ConfDir(), "config.json"), []byte(`{"database_url": "data/custom.db"}`), 0o644))

	cfg, err := Load(resolver)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(resolver.Root(), "data", "custom.db"), cfg.DatabaseURL)
}

func TestLoad_DatabaseURLEscapingRootFails(t *testing.T) {
	resolver := newResolver(t)
	require.NoError(t, os.MkdirAll(resolver.ConfDir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(resolver.ConfDir(), "config.json"), []byte(`{"database_url": "../escape.db"}`), 0o644))

	_, err := Load(resolver)
	require.Error(t, err)
}

func TestLoad_AbsoluteDatabaseURLOutsideRootFails(t *testing.T) {
	resolver := newResolver(t)
	require.NoError(t, os.MkdirAll(resolver.ConfDir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(resolver.ConfDir(), "config.json"), []byte(`{"database_url": "/etc/elsewhere.db"}`), 0o644))

	_, err := Load(resolver)
	require.Error(t, err)
}

func TestLoad_InvalidPortFails(t *testing.T) {
	resolver := newResolver(t)
	require.NoError(t, os.MkdirAll(resolver.ConfDir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(resolver.ConfDir(), "config.json"), []byte(`{"port": 70000}`), 0o644))

	_, err := Load(resolver)
	require.Error(t, err)
}
