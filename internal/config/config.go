// Package config loads the daemon's configuration: defaults, then an
// optional conf/config.json under the install root, then ATOMNODE_
// prefixed environment overrides, validated with
// github.com/go-playground/validator/v10 the way
// shared/pkg/config/config.go validates agent configuration.
//
// Grounded on original_source/src/config/mod.rs for the override order
// and the database-path/packaging-CLI-path normalization rules: a
// relative path is resolved under the install root and must not
// contain "..", an absolute path must already live under the install
// root.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/atomnode/node/internal/apperr"
	"github.com/atomnode/node/internal/paths"
)

const envPrefix = "ATOMNODE"

// LoggingConfig controls the daemon's zap logger construction.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// Config is the daemon's full runtime configuration.
type Config struct {
	DatabaseURL       string        `mapstructure:"database_url" validate:"required"`
	Host              string        `mapstructure:"host" validate:"required"`
	Port              int           `mapstructure:"port" validate:"min=1,max=65535"`
	PackagingCLI      string        `mapstructure:"packaging_cli" validate:"required"`
	// ScriptInterpreter is the fallback ambient interpreter for
	// ScriptRuntime plugins whose entry point extension isn't one of
	// the runtime package's known mappings (.py, .js); it does not
	// override those mappings.
	ScriptInterpreter string        `mapstructure:"script_interpreter" validate:"required"`
	PreviewTTL        time.Duration `mapstructure:"preview_ttl" validate:"min=1s"`
	Logging           LoggingConfig `mapstructure:"logging"`
}

var validate = validator.New()

// Load builds a Config for the install root resolver resolves to:
// defaults, then <install_root>/conf/config.json if it exists, then
// ATOMNODE_-prefixed environment variables, then validation.
func Load(resolver *paths.Resolver) (*Config, error) {
	v := viper.New()
	setDefaults(v, resolver)

	configPath := filepath.Join(resolver.ConfDir(), "config.json")
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*viper.ConfigFileNotFoundError); !ok && !isNotExist(err) {
			return nil, apperr.Validation("failed to read config file %s: %v", configPath, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperr.Validation("failed to parse configuration: %v", err)
	}

	if err := cfg.normalizePaths(resolver); err != nil {
		return nil, err
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, apperr.Validation("invalid configuration: %v", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper, resolver *paths.Resolver) {
	v.SetDefault("database_url", filepath.Join(resolver.DataDir(), "atomnode.db"))
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 6701)
	v.SetDefault("packaging_cli", "uv")
	v.SetDefault("script_interpreter", "python3")
	v.SetDefault("preview_ttl", "10m")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// normalizePaths resolves database_url and packaging_cli (when it
// names a path rather than a bare executable looked up on PATH)
// against the install root, rejecting any path that escapes it.
func (c *Config) normalizePaths(resolver *paths.Resolver) error {
	normalized, err := normalizeUnderRoot(resolver.Root(), c.DatabaseURL, "database_url")
	if err != nil {
		return err
	}
	c.DatabaseURL = normalized

	if strings.ContainsAny(c.PackagingCLI, `/\`) {
		normalized, err := normalizeUnderRoot(resolver.Root(), c.PackagingCLI, "packaging_cli")
		if err != nil {
			return err
		}
		c.PackagingCLI = normalized
	}

	return nil
}

func normalizeUnderRoot(root, path, field string) (string, error) {
	if filepath.IsAbs(path) {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", apperr.Validation("%s must be under the install root: %s", field, root)
		}
		return path, nil
	}

	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return "", apperr.Validation("%s cannot contain '..': %s", field, path)
		}
	}

	return filepath.Join(root, path), nil
}

func isNotExist(err error) bool {
	return strings.Contains(err.Error(), "no such file or directory") || strings.Contains(err.Error(), "cannot find the file")
}
