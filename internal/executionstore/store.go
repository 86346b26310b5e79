// Package executionstore is the persistent table of plugin executions.
//
// Grounded on original_source/src/repository/execution_repository.rs
// (create_with_phase, update_pid, update_result, mark_preview_ready,
// begin_apply, update_status), extended with a single-statement
// conditional UPDATE for the apply gate so the confirm-token/TTL check
// and the phase transition happen atomically instead of as a
// read-then-write race.
package executionstore

import (
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/atomnode/node/internal/apperr"
	"github.com/atomnode/node/internal/models"
)

// Store is the Execution Store component.
type Store struct {
	db *sql.DB
}

// New wraps an open database connection as a Store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new execution row in the given phase with
// StatusPending, under a freshly generated ID.
func (s *Store) Create(pluginID string, phase models.Phase, now int64) (*models.Execution, error) {
	execution := &models.Execution{
		ID:        uuid.NewString(),
		PluginID:  pluginID,
		Phase:     phase,
		Status:    models.StatusPending,
		StartedAt: now,
	}

	_, err := s.db.Exec(
		`INSERT INTO executions (id, plugin_id, phase, status, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		execution.ID, execution.PluginID, string(execution.Phase), string(execution.Status), execution.StartedAt,
	)
	if err != nil {
		return nil, apperr.Database(err, "failed to create execution for plugin %s", pluginID)
	}
	return execution, nil
}

// Get fetches an execution by ID.
func (s *Store) Get(id string) (*models.Execution, error) {
	row := s.db.QueryRow(selectColumns+" WHERE id = ?", id)
	execution, err := scanInto(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("execution not found: %s", id)
	}
	return execution, err
}

// ListByPlugin returns all executions for pluginID, most recent first.
func (s *Store) ListByPlugin(pluginID string) ([]*models.Execution, error) {
	rows, err := s.db.Query(selectColumns+" WHERE plugin_id = ? ORDER BY started_at DESC", pluginID)
	if err != nil {
		return nil, apperr.Database(err, "failed to list executions for plugin %s", pluginID)
	}
	defer rows.Close()
	return scanAll(rows)
}

// ListAll returns every execution, most recent first.
func (s *Store) ListAll() ([]*models.Execution, error) {
	rows, err := s.db.Query(selectColumns + " ORDER BY started_at DESC")
	if err != nil {
		return nil, apperr.Database(err, "failed to list executions")
	}
	defer rows.Close()
	return scanAll(rows)
}

// UpdatePID records the spawned process id and moves the execution to
// StatusRunning.
func (s *Store) UpdatePID(id string, pid int) error {
	_, err := s.db.Exec(
		"UPDATE executions SET pid = ?, status = ? WHERE id = ?",
		pid, string(models.StatusRunning), id,
	)
	if err != nil {
		return apperr.Database(err, "failed to record pid for execution %s", id)
	}
	return nil
}

// UpdateResult records captured output and the terminal status of a
// finished subprocess.
func (s *Store) UpdateResult(id string, stdout, stderr *string, exitCode *int, status models.Status, finishedAt int64) error {
	_, err := s.db.Exec(
		`UPDATE executions
		 SET stdout = ?, stderr = ?, exit_code = ?, status = ?, finished_at = ?
		 WHERE id = ?`,
		stdout, stderr, exitCode, string(status), finishedAt, id,
	)
	if err != nil {
		return apperr.Database(err, "failed to record result for execution %s", id)
	}
	return nil
}

// MarkPreviewReady records a finished prepare-phase run and stamps a
// confirm token with its TTL expiry, moving the execution to
// StatusPreviewReady.
func (s *Store) MarkPreviewReady(id string, stdout, stderr *string, exitCode *int, previewPayload *string, confirmToken string, expiresAt, finishedAt int64) error {
	_, err := s.db.Exec(
		`UPDATE executions
		 SET stdout = ?, stderr = ?, exit_code = ?, status = ?, finished_at = ?,
		     preview_payload = ?, confirm_token = ?, expires_at = ?
		 WHERE id = ?`,
		stdout, stderr, exitCode, string(models.StatusPreviewReady), finishedAt,
		previewPayload, confirmToken, expiresAt, id,
	)
	if err != nil {
		return apperr.Database(err, "failed to mark execution %s preview ready", id)
	}
	return nil
}

// BeginApply atomically transitions a PreviewReady execution into the
// apply phase, provided the caller's token matches and the stored TTL
// has not expired. All in one statement: no caller can observe a window
// where the token check has passed but another apply has already
// claimed the row.
//
// Returns apperr.KindNotFound if id does not exist, and
// apperr.KindValidation if the execution is not awaiting confirmation,
// the token is wrong, or the preview has expired (the caller must
// re-run prepare).
func (s *Store) BeginApply(id, confirmToken string, now int64) error {
	existing, err := s.Get(id)
	if err != nil {
		return err
	}
	if existing.Status != models.StatusPreviewReady {
		return apperr.Validation("execution %s is not awaiting confirmation", id)
	}

	res, err := s.db.Exec(
		`UPDATE executions
		 SET phase = ?, status = ?, pid = NULL, exit_code = NULL, stdout = NULL,
		     stderr = NULL, started_at = ?, finished_at = NULL, confirm_token = NULL
		 WHERE id = ? AND status = ? AND confirm_token = ? AND expires_at > ?`,
		string(models.PhaseApply), string(models.StatusPending), now,
		id, string(models.StatusPreviewReady), confirmToken, now,
	)
	if err != nil {
		return apperr.Database(err, "failed to begin apply for execution %s", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.Database(err, "failed to read rows affected")
	}
	if affected == 0 {
		if existing.ExpiresAt != nil && now >= *existing.ExpiresAt {
			return apperr.Validation("preview has expired")
		}
		return apperr.Validation("invalid confirm token")
	}
	return nil
}

// UpdateStatus sets status directly, used by Stop to mark a running
// execution StatusStopped.
func (s *Store) UpdateStatus(id string, status models.Status) error {
	res, err := s.db.Exec("UPDATE executions SET status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return apperr.Database(err, "failed to update status for execution %s", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.Database(err, "failed to read rows affected")
	}
	if affected == 0 {
		return apperr.NotFound("execution not found: %s", id)
	}
	return nil
}

const selectColumns = `SELECT
	id, plugin_id, phase, status, pid, exit_code, stdout, stderr,
	preview_payload, confirm_token, expires_at, started_at, finished_at
FROM executions`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAll(rows *sql.Rows) ([]*models.Execution, error) {
	var executions []*models.Execution
	for rows.Next() {
		execution, err := scanInto(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, execution)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Database(err, "failed to iterate executions")
	}
	return executions, nil
}

func scanInto(s scanner) (*models.Execution, error) {
	var (
		e          models.Execution
		phase      string
		status     string
		pid        sql.NullInt64
		exitCode   sql.NullInt64
		stdout     sql.NullString
		stderr     sql.NullString
		preview    sql.NullString
		token      sql.NullString
		expiresAt  sql.NullInt64
		finishedAt sql.NullInt64
	)

	err := s.Scan(
		&e.ID, &e.PluginID, &phase, &status, &pid, &exitCode, &stdout, &stderr,
		&preview, &token, &expiresAt, &e.StartedAt, &finishedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, apperr.Database(err, "failed to scan execution row")
	}

	e.Phase = models.Phase(phase)
	e.Status = models.Status(status)
	if pid.Valid {
		v := int(pid.Int64)
		e.PID = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		e.ExitCode = &v
	}
	if stdout.Valid {
		e.Stdout = &stdout.String
	}
	if stderr.Valid {
		e.Stderr = &stderr.String
	}
	if preview.Valid {
		e.PreviewPayload = &preview.String
	}
	if token.Valid {
		e.ConfirmToken = &token.String
	}
	if expiresAt.Valid {
		e.ExpiresAt = &expiresAt.Int64
	}
	if finishedAt.Valid {
		e.FinishedAt = &finishedAt.Int64
	}

	return &e, nil
}

// MarshalParams serialises resolved parameters to a JSON string.
func MarshalParams(params map[string]interface{}) (string, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return "", apperr.Database(err, "failed to serialise parameters")
	}
	return string(data), nil
}
