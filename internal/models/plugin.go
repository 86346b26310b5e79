// Package models holds the persistent entities of the daemon: Plugin,
// Parameter, and Execution, grounded on original_source/src/models/plugin.rs.
package models

// PluginType is the runtime variant a plugin declares.
type PluginType string

const (
	// InterpreterRuntime requires a per-plugin isolated execution
	// environment provisioned by the Environment Provisioner.
	InterpreterRuntime PluginType = "interpreter"
	// ScriptRuntime runs under an ambient interpreter with no
	// per-plugin environment.
	ScriptRuntime PluginType = "script"
)

// ParamType is the declared type of a plugin Parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamInteger ParamType = "integer"
	ParamBoolean ParamType = "boolean"
	ParamJSON    ParamType = "json"
)

// Parameter declares one entry of a plugin's parameter schema.
type Parameter struct {
	Name        string        `json:"name"`
	Type        ParamType     `json:"type"`
	Description string        `json:"description,omitempty"`
	Default     interface{}   `json:"default,omitempty"`
	Choices     []interface{} `json:"choices,omitempty"`
}

// EnvDepsSource identifies which shape of dependency declaration a plugin
// carries.
type EnvDepsSource string

const (
	EnvDepsRequirementsFile EnvDepsSource = "requirements_file"
	EnvDepsProjectFile      EnvDepsSource = "project_file"
	EnvDepsInline           EnvDepsSource = "inline"
)

// EnvDeps is the serialised dependency variant resolved for an
// InterpreterRuntime plugin: exactly one of Path (for the file-based
// sources) or Items (for Inline) is meaningful, selected by Source.
type EnvDeps struct {
	Source EnvDepsSource `json:"source"`
	Path   string        `json:"path,omitempty"`
	Items  []string      `json:"items,omitempty"`
}

// Plugin is an installed plugin row.
type Plugin struct {
	PluginID       string      `json:"plugin_id"`
	InternalID     string      `json:"internal_id"`
	Name           string      `json:"name"`
	Version        string      `json:"version"`
	Description    string      `json:"description"`
	Author         string      `json:"author"`
	PluginType     PluginType  `json:"plugin_type"`
	PluginPath     string      `json:"plugin_path"`
	EntryPoint     string      `json:"entry_point"`
	Enabled        bool        `json:"enabled"`
	Parameters     []Parameter `json:"parameters,omitempty"`
	EnvPath        string      `json:"env_path,omitempty"`
	EnvDeps        *EnvDeps    `json:"env_deps,omitempty"`
	MinHostVersion string      `json:"min_host_version,omitempty"`
	CreatedAt      int64       `json:"created_at"`
	UpdatedAt      int64       `json:"updated_at"`
}
