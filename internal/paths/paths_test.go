package paths

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResolver_Override(t *testing.T) {
	r, err := NewResolver("/tmp/atomnode-root")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/atomnode-root", r.Root())
}

func TestResolver_DerivedDirs(t *testing.T) {
	r, err := NewResolver("/opt/atomnode")
	require.NoError(t, err)

	assert.Equal(t, "/opt/atomnode/plugins/hello", r.PluginDir("hello"))
	assert.Equal(t, "/opt/atomnode/plugins", r.PluginsDir())
	assert.Equal(t, "/opt/atomnode/work_dir/exec-1", r.WorkDir("exec-1"))
	assert.Equal(t, "/opt/atomnode/conf", r.ConfDir())
	assert.Equal(t, "/opt/atomnode/data", r.DataDir())
	assert.Equal(t, "/opt/atomnode/data/python_envs/hello", r.PythonEnvDir("hello"))
}

func TestInstallRoot_EmptyHomeEnv(t *testing.T) {
	t.Setenv("ATOMNODE_HOME", "   ")
	_, err := installRoot("")
	require.Error(t, err)
}

func TestInstallRoot_HomeEnvOverride(t *testing.T) {
	t.Setenv("ATOMNODE_HOME", "/srv/atomnode")
	root, err := installRoot("")
	require.NoError(t, err)
	assert.Equal(t, "/srv/atomnode", root)
}

func TestInstallRoot_ExplicitOverrideWins(t *testing.T) {
	t.Setenv("ATOMNODE_HOME", "/srv/atomnode")
	root, err := installRoot("/explicit")
	require.NoError(t, err)
	assert.Equal(t, "/explicit", root)
}
