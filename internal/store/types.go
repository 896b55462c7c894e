package store

import (
	"encoding/json"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// Workflow is the persisted representation of a workflow.
type Workflow struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Status      schema.WorkflowStatus `json:"status"`
	CreatedAt   time.Time             `json:"created_at"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// Step is a single unit of workflow work. Step numbers within a workflow
// form a dense 1..N sequence; this is validated before execution, not here.
type Step struct {
	ID               string            `json:"id"`
	WorkflowID       string            `json:"workflow_id"`
	StepNumber       int               `json:"step_number"`
	Name             string            `json:"name"`
	AssignedWorkerID string            `json:"assigned_worker_id,omitempty"`
	Program          string            `json:"program,omitempty"`
	Status           schema.StepStatus `json:"status"`
	Output           json.RawMessage   `json:"output,omitempty"`
	Error            json.RawMessage   `json:"error,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

// RunRecord is one append-only entry in the run history: a single execution
// attempt of a workflow under a given set of options.
type RunRecord struct {
	ID             string                `json:"id"`
	WorkflowID     string                `json:"workflow_id"`
	Options        json.RawMessage       `json:"options,omitempty"`
	Status         schema.WorkflowStatus `json:"status"`
	CompletedSteps int                   `json:"completed_steps"`
	TotalSteps     int                   `json:"total_steps"`
	DurationMs     int64                 `json:"duration_ms"`
	Errors         json.RawMessage       `json:"errors,omitempty"`
	StartedAt      time.Time             `json:"started_at"`
	CompletedAt    time.Time             `json:"completed_at"`
}

// ScheduledRun is a cron-triggered workflow execution.
type ScheduledRun struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	CronExpression string          `json:"cron_expression"`
	Options        json.RawMessage `json:"options,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// StatusSnapshot is a live progress summary for a workflow, recomputed from
// the persisted step statuses on every call.
type StatusSnapshot struct {
	WorkflowID      string                `json:"workflow_id"`
	Status          schema.WorkflowStatus `json:"status"`
	TotalSteps      int                   `json:"total_steps"`
	CompletedSteps  int                   `json:"completed_steps"`
	FailedSteps     int                   `json:"failed_steps"`
	RunningSteps    int                   `json:"running_steps"`
	PercentComplete float64               `json:"percent_complete"`
	Steps           []*Step               `json:"steps"`
}

// --- Filter and update types ---

// WorkflowUpdate specifies mutable fields of a workflow. Only status and
// timestamps are ever written by the engine.
type WorkflowUpdate struct {
	Status      *schema.WorkflowStatus `json:"status,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// StepUpdate specifies mutable fields of a step.
type StepUpdate struct {
	Status      *schema.StepStatus `json:"status,omitempty"`
	Output      json.RawMessage    `json:"output,omitempty"`
	Error       json.RawMessage    `json:"error,omitempty"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Status *schema.WorkflowStatus `json:"status,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
	Offset int                    `json:"offset,omitempty"`
}

// ScheduledRunUpdate specifies mutable fields of a scheduled run.
type ScheduledRunUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledRunFilter specifies criteria for listing scheduled runs.
type ScheduledRunFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
