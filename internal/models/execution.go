package models

import "time"

// Phase is which side of the two-phase state machine an Execution is in.
type Phase string

const (
	PhasePrepare Phase = "prepare"
	PhaseApply   Phase = "apply"
)

// Status is the lifecycle state of an Execution.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusPreviewReady Status = "preview_ready"
	StatusApplying     Status = "applying"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusStopped      Status = "stopped"
)

// PreviewTTL is the default lifetime of a PreviewReady execution's
// confirm token; deployments may override it via configuration.
const PreviewTTL = 10 * time.Minute

// Execution is a single run (or prepare/apply pair) of a plugin.
type Execution struct {
	ID             string  `json:"id"`
	PluginID       string  `json:"plugin_id"`
	Phase          Phase   `json:"phase"`
	Status         Status  `json:"status"`
	PID            *int    `json:"pid,omitempty"`
	ExitCode       *int    `json:"exit_code,omitempty"`
	Stdout         *string `json:"stdout,omitempty"`
	Stderr         *string `json:"stderr,omitempty"`
	PreviewPayload *string `json:"preview_payload,omitempty"`
	ConfirmToken   *string `json:"confirm_token,omitempty"`
	ExpiresAt      *int64  `json:"expires_at,omitempty"`
	StartedAt      int64   `json:"started_at"`
	FinishedAt     *int64  `json:"finished_at,omitempty"`
}
