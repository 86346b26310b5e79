// Package runtime resolves the argv and environment additions the
// Process Supervisor needs to launch a plugin, varying by its
// declared PluginType. Grounded on
// original_source/src/executor/python_executor.rs's venv/PATH
// handling, generalized to a small capability interface per one
// variant instead of a deep hierarchy (see design note in spec.md §9).
package runtime

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/atomnode/node/internal/apperr"
	"github.com/atomnode/node/internal/models"
)

// interpreterBinaryName is the binary the Environment Provisioner
// installs inside every per-plugin env directory.
const interpreterBinaryName = "python"

// Plan is the argv and environment additions needed to launch a
// plugin's entry point.
type Plan struct {
	Argv []string
	Env  map[string]string
}

// Variant builds a launch Plan for one PluginType.
type Variant interface {
	Build(plugin *models.Plugin) (Plan, error)
}

// Resolve picks the Variant for plugin.PluginType.
func Resolve(plugin *models.Plugin, scriptInterpreter string) (Variant, error) {
	switch plugin.PluginType {
	case models.InterpreterRuntime:
		return InterpreterVariant{}, nil
	case models.ScriptRuntime:
		return ScriptVariant{Interpreter: scriptInterpreter}, nil
	default:
		return nil, apperr.InvalidPluginType("unknown plugin type: %s", plugin.PluginType)
	}
}

// Build resolves the Variant for plugin and builds its launch Plan.
// scriptInterpreter is the configured default for ScriptRuntime
// plugins whose entry point extension has no fixed interpreter
// mapping (see scriptInterpretersByExt).
func Build(plugin *models.Plugin, scriptInterpreter string) (Plan, error) {
	variant, err := Resolve(plugin, scriptInterpreter)
	if err != nil {
		return Plan{}, err
	}
	return variant.Build(plugin)
}

// InterpreterVariant launches a plugin inside its provisioned,
// isolated environment directory.
type InterpreterVariant struct{}

func (InterpreterVariant) Build(plugin *models.Plugin) (Plan, error) {
	if plugin.EnvPath == "" {
		return Plan{}, apperr.Environment("plugin %s has no provisioned environment", plugin.PluginID)
	}

	binDir, interpreterPath := envBinary(plugin.EnvPath)
	if !isFile(interpreterPath) {
		return Plan{}, apperr.Environment("runtime binary not found: %s", interpreterPath)
	}

	entryPoint := filepath.Join(plugin.PluginPath, plugin.EntryPoint)

	return Plan{
		Argv: []string{interpreterPath, entryPoint},
		Env: map[string]string{
			"VIRTUAL_ENV": plugin.EnvPath,
			"PATH":        prependPath(binDir),
		},
	}, nil
}

// ScriptVariant launches a plugin under an ambient interpreter with no
// dedicated environment.
type ScriptVariant struct {
	Interpreter string
}

func (v ScriptVariant) Build(plugin *models.Plugin) (Plan, error) {
	interpreter := scriptInterpreterFor(plugin.EntryPoint)
	if interpreter == "" {
		interpreter = v.Interpreter
	}
	if interpreter == "" {
		interpreter = defaultScriptInterpreter
	}

	entryPoint := filepath.Join(plugin.PluginPath, plugin.EntryPoint)

	return Plan{
		Argv: []string{interpreter, entryPoint},
		Env:  map[string]string{},
	}, nil
}

// scriptInterpretersByExt maps an entry point's extension to the
// ambient interpreter that runs it, mirroring the original's split
// between PythonExecutor and a JavaScript counterpart for the two
// language values that both resolve to ScriptRuntime.
var scriptInterpretersByExt = map[string]string{
	".py": "python3",
	".js": "node",
}

// scriptInterpreterFor returns the interpreter dictated by entryPoint's
// extension, or "" if the extension carries no fixed mapping — in
// which case the caller falls back to its configured default.
func scriptInterpreterFor(entryPoint string) string {
	return scriptInterpretersByExt[strings.ToLower(filepath.Ext(entryPoint))]
}

const defaultScriptInterpreter = "python3"

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func prependPath(dir string) string {
	existing := os.Getenv("PATH")
	sep := string(os.PathListSeparator)
	if existing == "" {
		return dir
	}
	return dir + sep + existing
}

func envBinary(envPath string) (binDir, interpreterPath string) {
	if runtime.GOOS == "windows" {
		binDir = filepath.Join(envPath, "Scripts")
		return binDir, filepath.Join(binDir, interpreterBinaryName+".exe")
	}
	binDir = filepath.Join(envPath, "bin")
	return binDir, filepath.Join(binDir, interpreterBinaryName)
}
