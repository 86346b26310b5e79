// Package db opens the daemon's embedded SQLite database and applies the
// minimal additive bootstrap schema the stores need.
//
// Grounded on original_source/src/repository/connection.rs
// (establish_connection, ensure_*_column): the same create-if-missing
// table bootstrap plus idempotent ALTER TABLE ADD COLUMN guards, ported
// from sqlx/SQLite to database/sql with the modernc.org/sqlite driver
// (grounded: rnwolfe-mine/go.mod, vmware-tanzu-tanzu-cli/go.mod).
package db

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/atomnode/node/internal/apperr"
)

const schema = `
CREATE TABLE IF NOT EXISTS plugins (
	internal_id TEXT PRIMARY KEY,
	plugin_id TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	description TEXT,
	author TEXT,
	plugin_type TEXT NOT NULL,
	plugin_path TEXT NOT NULL,
	entry_point TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	parameters TEXT,
	env_path TEXT,
	env_deps TEXT,
	min_host_version TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	plugin_id TEXT NOT NULL,
	phase TEXT NOT NULL,
	status TEXT NOT NULL,
	pid INTEGER,
	exit_code INTEGER,
	stdout TEXT,
	stderr TEXT,
	preview_payload TEXT,
	confirm_token TEXT,
	expires_at INTEGER,
	started_at INTEGER NOT NULL,
	finished_at INTEGER,
	FOREIGN KEY (plugin_id) REFERENCES plugins(plugin_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_executions_plugin_id ON executions(plugin_id);
CREATE INDEX IF NOT EXISTS idx_plugins_enabled ON plugins(enabled);
`

// Open connects to the SQLite database at path (created if missing),
// enables foreign key enforcement, and applies the bootstrap schema.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperr.Database(err, "failed to open database %s", path)
	}
	// SQLite tolerates only a single writer; keep the pool to one
	// connection so writes serialise instead of hitting SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, apperr.Database(err, "failed to apply schema")
	}

	if err := ensureColumn(conn, "plugins", "min_host_version", "TEXT"); err != nil {
		conn.Close()
		return nil, err
	}
	if err := ensureColumn(conn, "executions", "preview_payload", "TEXT"); err != nil {
		conn.Close()
		return nil, err
	}
	if err := ensureColumn(conn, "executions", "confirm_token", "TEXT"); err != nil {
		conn.Close()
		return nil, err
	}
	if err := ensureColumn(conn, "executions", "expires_at", "INTEGER"); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

func ensureColumn(conn *sql.DB, table, column, sqlType string) error {
	rows, err := conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return apperr.Database(err, "failed to inspect table %s", table)
	}
	defer rows.Close()

	var found bool
	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notnull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &primaryKey); err != nil {
			return apperr.Database(err, "failed to scan table_info(%s)", table)
		}
		if strings.EqualFold(name, column) {
			found = true
		}
	}
	if found {
		return nil
	}

	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, sqlType)
	if _, err := conn.Exec(stmt); err != nil {
		return apperr.Database(err, "failed to add column %s.%s", table, column)
	}
	return nil
}
