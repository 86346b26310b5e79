package runtime

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomnode/node/internal/apperr"
	"github.com/atomnode/node/internal/models"
)

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
}

func TestInterpreterVariant_Build(t *testing.T) {
	envDir := t.TempDir()
	binDir := "bin"
	binName := "python"
	if runtime.GOOS == "windows" {
		binDir = "Scripts"
		binName = "python.exe"
	}
	writeExecutable(t, filepath.Join(envDir, binDir, binName))

	plugin := &models.Plugin{
		PluginID:   "hello",
		PluginPath: "/opt/atomnode/plugins/hello",
		EntryPoint: "main.py",
		PluginType: models.InterpreterRuntime,
		EnvPath:    envDir,
	}

	plan, err := Build(plugin, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(envDir, binDir, binName), plan.Argv[0])
	assert.Equal(t, filepath.Join(plugin.PluginPath, "main.py"), plan.Argv[1])
	assert.Equal(t, envDir, plan.Env["VIRTUAL_ENV"])
	assert.Contains(t, plan.Env["PATH"], filepath.Join(envDir, binDir))
}

func TestInterpreterVariant_MissingBinaryFails(t *testing.T) {
	plugin := &models.Plugin{
		PluginID:   "hello",
		PluginPath: "/opt/atomnode/plugins/hello",
		EntryPoint: "main.py",
		PluginType: models.InterpreterRuntime,
		EnvPath:    t.TempDir(),
	}

	_, err := Build(plugin, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindEnvironment, apperr.KindOf(err))
}

func TestInterpreterVariant_NoEnvPathFails(t *testing.T) {
	plugin := &models.Plugin{
		PluginID:   "hello",
		PluginPath: "/opt/atomnode/plugins/hello",
		EntryPoint: "main.py",
		PluginType: models.InterpreterRuntime,
	}

	_, err := Build(plugin, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindEnvironment, apperr.KindOf(err))
}

func TestScriptVariant_Build_DefaultInterpreter(t *testing.T) {
	plugin := &models.Plugin{
		PluginID:   "hello",
		PluginPath: "/opt/atomnode/plugins/hello",
		EntryPoint: "main.py",
		PluginType: models.ScriptRuntime,
	}

	plan, err := Build(plugin, "")
	require.NoError(t, err)
	assert.Equal(t, "python3", plan.Argv[0])
	assert.Equal(t, filepath.Join(plugin.PluginPath, "main.py"), plan.Argv[1])
}

func TestScriptVariant_Build_ConfiguredInterpreter(t *testing.T) {
	plugin := &models.Plugin{
		PluginID:   "hello",
		PluginPath: "/opt/atomnode/plugins/hello",
		EntryPoint: "main.lua",
		PluginType: models.ScriptRuntime,
	}

	plan, err := Build(plugin, "lua")
	require.NoError(t, err)
	assert.Equal(t, "lua", plan.Argv[0])
}

func TestScriptVariant_Build_JavascriptEntryPointIgnoresConfiguredPythonDefault(t *testing.T) {
	plugin := &models.Plugin{
		PluginID:   "hello",
		PluginPath: "/opt/atomnode/plugins/hello",
		EntryPoint: "index.js",
		PluginType: models.ScriptRuntime,
	}

	plan, err := Build(plugin, "python3")
	require.NoError(t, err)
	assert.Equal(t, "node", plan.Argv[0])
}

func TestScriptVariant_Build_UnknownExtensionFallsBackToConfigured(t *testing.T) {
	plugin := &models.Plugin{
		PluginID:   "hello",
		PluginPath: "/opt/atomnode/plugins/hello",
		EntryPoint: "entry.sh",
		PluginType: models.ScriptRuntime,
	}

	plan, err := Build(plugin, "sh")
	require.NoError(t, err)
	assert.Equal(t, "sh", plan.Argv[0])
}

func TestResolve_UnknownPluginTypeFails(t *testing.T) {
	plugin := &models.Plugin{PluginType: models.PluginType("unknown")}
	_, err := Resolve(plugin, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidPluginType, apperr.KindOf(err))
}
