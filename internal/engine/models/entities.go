// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"time"
)

// Repository is a git repository known to the system. Owned by the external
// CRUD layer; the engine only reads it.
type Repository struct {
	ID            string    `gorm:"primaryKey;type:text" json:"id"`
	Name          string    `gorm:"not null;type:text" json:"name"`
	DefaultBranch string    `gorm:"type:text" json:"default_branch"`
	Ingested      bool      `gorm:"not null;default:false" json:"ingested"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Repository) TableName() string {
	return "repositories"
}

// Pipeline is a reusable pipeline definition (the "recipe"): a DAG of steps
// plus trigger specifications. The steps column is JSON; BuildDAG validates
// it at ingest and at load.
type Pipeline struct {
	ID       string          `gorm:"primaryKey;type:text" json:"id"`
	Name     string          `gorm:"not null;type:text" json:"name"`
	RepoID   string          `gorm:"type:text;index" json:"repo_id"`
	Steps    StepDefinitions `gorm:"type:text" json:"steps"`
	Triggers TriggerSpecs    `gorm:"type:text" json:"triggers"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Pipeline) TableName() string {
	return "pipelines"
}

// PipelineRun is one execution of a pipeline.
type PipelineRun struct {
	ID         string         `gorm:"primaryKey;type:text" json:"id"`
	PipelineID string         `gorm:"type:text;index;not null" json:"pipeline_id"`
	Status     PipelineStatus `gorm:"type:text;not null;default:pending" json:"status"`

	TriggerType    TriggerType `gorm:"type:text" json:"trigger_type"`
	TriggerContext StringMap   `gorm:"type:text" json:"trigger_context,omitempty"`

	// Debug rerun provenance: the run this one was created to re-execute.
	OriginalRunID string `gorm:"type:text;index" json:"original_run_id,omitempty"`

	// Pinned git position for the run's workspace.
	Branch    string `gorm:"type:text" json:"branch"`
	CommitSHA string `gorm:"type:text" json:"commit_sha"`

	ActiveStepIDs    StringSlice `gorm:"type:text" json:"active_step_ids"`
	CompletedStepIDs StringSlice `gorm:"type:text" json:"completed_step_ids"`

	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`

	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	StartedAt   *time.Time `gorm:"type:timestamp" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"type:timestamp" json:"completed_at,omitempty"`

	// Relations
	StepRuns []StepRun `gorm:"foreignKey:PipelineRunID;constraint:OnDelete:CASCADE" json:"step_runs,omitempty"`
}

func (PipelineRun) TableName() string {
	return "pipeline_runs"
}

// StepRun is one step of a pipeline run, aggregated over its attempts.
type StepRun struct {
	ID            string        `gorm:"primaryKey;type:text" json:"id"`
	PipelineRunID string        `gorm:"type:text;index;not null" json:"pipeline_run_id"`
	StepID        string        `gorm:"type:text;not null" json:"step_id"`
	StepIndex     int           `gorm:"type:integer;not null" json:"step_index"`
	Name          string        `gorm:"type:text" json:"name"`
	Status        StepRunStatus `gorm:"type:text;not null;default:pending" json:"status"`

	Logs         string `gorm:"type:text" json:"logs"`
	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`

	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	StartedAt   *time.Time `gorm:"type:timestamp" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"type:timestamp" json:"completed_at,omitempty"`

	// Relations
	Executions []StepExecution `gorm:"foreignKey:StepRunID;constraint:OnDelete:CASCADE" json:"executions,omitempty"`
}

func (StepRun) TableName() string {
	return "step_runs"
}

// StepExecution is one attempt of a StepRun. ExecutionKey is the globally
// unique idempotency key "{run_id}:{step_index}:{attempt}"; the unique index
// on it is the hinge of at-most-one-in-flight execution.
type StepExecution struct {
	ID           string          `gorm:"primaryKey;type:text" json:"id"`
	ExecutionKey string          `gorm:"type:text;uniqueIndex;not null" json:"execution_key"`
	StepRunID    string          `gorm:"type:text;index;not null" json:"step_run_id"`
	Attempt      int             `gorm:"type:integer;not null" json:"attempt"`
	Status       ExecutionStatus `gorm:"type:text;not null;default:pending" json:"status"`

	// Claimant identifies which executor owns this attempt (diagnostics only;
	// ownership is decided by the unique-key insert).
	Claimant string `gorm:"type:text" json:"claimant,omitempty"`

	RunnerID    string `gorm:"type:text;index" json:"runner_id,omitempty"`
	ContainerID string `gorm:"type:text" json:"container_id,omitempty"`

	ExitCode     *int   `gorm:"type:integer" json:"exit_code,omitempty"`
	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`
	Progress     string `gorm:"type:text" json:"progress,omitempty"`

	LastHeartbeat *time.Time `gorm:"type:timestamp" json:"last_heartbeat,omitempty"`
	TimeoutAt     *time.Time `gorm:"type:timestamp" json:"timeout_at,omitempty"`

	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	StartedAt   *time.Time `gorm:"type:timestamp" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"type:timestamp" json:"completed_at,omitempty"`
}

func (StepExecution) TableName() string {
	return "step_executions"
}

// Workspace is the persistent volume shared by all steps of one run.
// Invariants: IN_USE implies UseCount >= 1; CLEANING requires UseCount == 0.
type Workspace struct {
	ID            string          `gorm:"primaryKey;type:text" json:"id"` // "ws-<run_id_prefix>"
	PipelineRunID string          `gorm:"type:text;uniqueIndex;not null" json:"pipeline_run_id"`
	Status        WorkspaceStatus `gorm:"type:text;not null;default:creating" json:"status"`
	UseCount      int             `gorm:"type:integer;not null;default:0" json:"use_count"`
	VolumeName    string          `gorm:"type:text;not null" json:"volume_name"`
	RepoID        string          `gorm:"type:text" json:"repo_id"`
	Branch        string          `gorm:"type:text" json:"branch"`
	CommitSHA     string          `gorm:"type:text" json:"commit_sha"`

	LastActivityAt time.Time `gorm:"type:timestamp" json:"last_activity_at"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Workspace) TableName() string {
	return "workspaces"
}

// Runner is an external worker connected over WebSocket.
type Runner struct {
	ID         string      `gorm:"primaryKey;type:text" json:"id"`
	Name       string      `gorm:"type:text;not null" json:"name"`
	RunnerType string      `gorm:"type:text;not null" json:"runner_type"` // claude-code | gemini | generic
	Labels     StringMap   `gorm:"type:text" json:"labels"`
	Status     RunnerState `gorm:"type:text;not null;default:disconnected" json:"status"`

	// CurrentStepExecutionID is set iff the runner is ASSIGNED or BUSY.
	CurrentStepExecutionID string `gorm:"type:text" json:"current_step_execution_id,omitempty"`
	WebsocketID            string `gorm:"type:text" json:"websocket_id,omitempty"`

	LastHeartbeat *time.Time `gorm:"type:timestamp" json:"last_heartbeat,omitempty"`
	ConnectedAt   *time.Time `gorm:"type:timestamp" json:"connected_at,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Runner) TableName() string {
	return "runners"
}

// DebugSession is the breakpoint/attach companion of a pipeline run.
// At most one session per run may be non-terminal at a time.
type DebugSession struct {
	ID            string     `gorm:"primaryKey;type:text" json:"id"`
	PipelineRunID string     `gorm:"type:text;index;not null" json:"pipeline_run_id"`
	OriginalRunID string     `gorm:"type:text" json:"original_run_id,omitempty"`
	Status        DebugState `gorm:"type:text;not null;default:pending" json:"status"`

	Breakpoints      IntSlice `gorm:"type:text" json:"breakpoints"`
	CurrentStepIndex *int     `gorm:"type:integer" json:"current_step_index,omitempty"`

	// Token is the random 256-bit attach credential, hex-encoded. Never
	// included in broadcast events.
	Token string `gorm:"type:text;not null" json:"-"`

	ConnectionMode     string `gorm:"type:text" json:"connection_mode,omitempty"` // sidecar | shell
	SidecarContainerID string `gorm:"type:text" json:"sidecar_container_id,omitempty"`

	TimeoutSeconds    int       `gorm:"type:integer;not null" json:"timeout_seconds"`
	MaxTimeoutSeconds int       `gorm:"type:integer;not null" json:"max_timeout_seconds"`
	ExpiresAt         time.Time `gorm:"type:timestamp;not null" json:"expires_at"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (DebugSession) TableName() string {
	return "debug_sessions"
}

// TriggerRecord deduplicates pipeline triggers inside the dedup window.
// Rows are transient and swept by retention cleanup.
type TriggerRecord struct {
	Key           string    `gorm:"primaryKey;type:text" json:"key"` // "<type>:<repo_id>:<ref>"
	PipelineRunID string    `gorm:"type:text;not null" json:"pipeline_run_id"`
	RecordedAt    time.Time `gorm:"type:timestamp;not null" json:"recorded_at"`
}

func (TriggerRecord) TableName() string {
	return "trigger_records"
}
