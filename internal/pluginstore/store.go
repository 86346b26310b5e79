// Package pluginstore is the persistent table of installed plugins.
//
// Grounded on original_source/src/repository/plugin_repository.rs,
// adapted to the plugin_id-keyed, internal_id-synthetic shape of
// spec.md §3.
package pluginstore

import (
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/atomnode/node/internal/apperr"
	"github.com/atomnode/node/internal/models"
)

// Store is the Plugin Store component: create, get, list, delete, and
// flip the enabled bit, enforcing uniqueness of plugin_id.
type Store struct {
	db *sql.DB
}

// New wraps an open database connection as a Store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts plugin, generating InternalID if unset. Fails with
// apperr.KindAlreadyExists if plugin_id is already taken.
func (s *Store) Create(plugin *models.Plugin) error {
	if plugin.InternalID == "" {
		plugin.InternalID = uuid.NewString()
	}

	paramsJSON, err := marshalOptional(plugin.Parameters)
	if err != nil {
		return apperr.Database(err, "failed to serialise parameters")
	}
	envDepsJSON, err := marshalOptional(plugin.EnvDeps)
	if err != nil {
		return apperr.Database(err, "failed to serialise env deps")
	}

	_, err = s.db.Exec(
		`INSERT INTO plugins (
			internal_id, plugin_id, name, version, description, author,
			plugin_type, plugin_path, entry_point, enabled, parameters,
			env_path, env_deps, min_host_version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		plugin.InternalID, plugin.PluginID, plugin.Name, plugin.Version,
		plugin.Description, plugin.Author, string(plugin.PluginType),
		plugin.PluginPath, plugin.EntryPoint, plugin.Enabled, paramsJSON,
		nullableString(plugin.EnvPath), envDepsJSON, nullableString(plugin.MinHostVersion),
		plugin.CreatedAt, plugin.UpdatedAt,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return apperr.AlreadyExists("plugin id already exists: %s", plugin.PluginID)
		}
		return apperr.Database(err, "failed to insert plugin %s", plugin.PluginID)
	}

	return nil
}

// Get fetches a plugin by plugin_id.
func (s *Store) Get(pluginID string) (*models.Plugin, error) {
	row := s.db.QueryRow(selectColumns+" WHERE plugin_id = ?", pluginID)
	return scanPlugin(row)
}

// List returns all plugins ordered by most recently created first.
func (s *Store) List() ([]*models.Plugin, error) {
	rows, err := s.db.Query(selectColumns + " ORDER BY created_at DESC")
	if err != nil {
		return nil, apperr.Database(err, "failed to list plugins")
	}
	defer rows.Close()

	var plugins []*models.Plugin
	for rows.Next() {
		plugin, err := scanPluginRows(rows)
		if err != nil {
			return nil, err
		}
		plugins = append(plugins, plugin)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Database(err, "failed to iterate plugins")
	}
	return plugins, nil
}

// Delete removes a plugin row. Fails with apperr.KindNotFound if no
// row matched.
func (s *Store) Delete(pluginID string) error {
	res, err := s.db.Exec("DELETE FROM plugins WHERE plugin_id = ?", pluginID)
	if err != nil {
		return apperr.Database(err, "failed to delete plugin %s", pluginID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.Database(err, "failed to read rows affected")
	}
	if affected == 0 {
		return apperr.NotFound("plugin not found: %s", pluginID)
	}
	return nil
}

// SetEnabled flips the enabled bit for pluginID.
func (s *Store) SetEnabled(pluginID string, enabled bool, now int64) error {
	res, err := s.db.Exec(
		"UPDATE plugins SET enabled = ?, updated_at = ? WHERE plugin_id = ?",
		enabled, now, pluginID,
	)
	if err != nil {
		return apperr.Database(err, "failed to update plugin %s", pluginID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.Database(err, "failed to read rows affected")
	}
	if affected == 0 {
		return apperr.NotFound("plugin not found: %s", pluginID)
	}
	return nil
}

const selectColumns = `SELECT
	internal_id, plugin_id, name, version, description, author,
	plugin_type, plugin_path, entry_point, enabled, parameters,
	env_path, env_deps, min_host_version, created_at, updated_at
FROM plugins`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPlugin(row *sql.Row) (*models.Plugin, error) {
	plugin, err := scanInto(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("plugin not found")
	}
	return plugin, err
}

func scanPluginRows(rows *sql.Rows) (*models.Plugin, error) {
	return scanInto(rows)
}

func scanInto(s scanner) (*models.Plugin, error) {
	var (
		p           models.Plugin
		pluginType  string
		params      sql.NullString
		envPath     sql.NullString
		envDeps     sql.NullString
		minHostVer  sql.NullString
	)

	err := s.Scan(
		&p.InternalID, &p.PluginID, &p.Name, &p.Version, &p.Description,
		&p.Author, &pluginType, &p.PluginPath, &p.EntryPoint, &p.Enabled,
		&params, &envPath, &envDeps, &minHostVer, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, apperr.Database(err, "failed to scan plugin row")
	}

	p.PluginType = models.PluginType(pluginType)
	p.EnvPath = envPath.String
	p.MinHostVersion = minHostVer.String

	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &p.Parameters); err != nil {
			return nil, apperr.Database(err, "failed to decode plugin parameters")
		}
	}
	if envDeps.Valid && envDeps.String != "" {
		var deps models.EnvDeps
		if err := json.Unmarshal([]byte(envDeps.String), &deps); err != nil {
			return nil, apperr.Database(err, "failed to decode plugin env deps")
		}
		p.EnvDeps = &deps
	}

	return &p, nil
}

func marshalOptional(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	switch val := v.(type) {
	case []models.Parameter:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	case *models.EnvDeps:
		// v is a non-nil interface{} even when the *EnvDeps it holds is
		// nil, so the v == nil check above never catches a plugin with
		// no env deps; check the typed pointer explicitly.
		if val == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullableString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && containsAny(err.Error(), "UNIQUE constraint failed", "constraint failed: UNIQUE")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
