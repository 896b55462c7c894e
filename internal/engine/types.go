package engine

import (
	"context"
	"time"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// StepExecutor performs the work of a single step. Implementations must be
// safe to invoke concurrently for distinct steps. Retry and backoff policy
// inside a step is the executor's own concern.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, step *store.Step, inputs map[string]any) (*StepResult, error)
}

// DefaultMaxConcurrentSteps is the batch size used in parallel mode when the
// caller does not specify one.
const DefaultMaxConcurrentSteps = 3

// ExecutionOptions are caller-supplied knobs for one run. They are not
// persisted and are immutable for the duration of the run.
type ExecutionOptions struct {
	ContinueOnError    bool          `json:"continue_on_error"`
	ParallelExecution  bool          `json:"parallel_execution"`
	MaxConcurrentSteps int           `json:"max_concurrent_steps"`
	Timeout            time.Duration `json:"timeout,omitempty"`
}

func (o ExecutionOptions) withDefaults() ExecutionOptions {
	if o.MaxConcurrentSteps <= 0 {
		o.MaxConcurrentSteps = DefaultMaxConcurrentSteps
	}
	return o
}

// StepResult is produced by the StepExecutor for a successful step.
type StepResult struct {
	StepID     string         `json:"step_id"`
	Success    bool           `json:"success"`
	Duration   time.Duration  `json:"duration"`
	Confidence float64        `json:"confidence"`
	RetryCount int            `json:"retry_count"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ExecutionError records a per-step failure. Errors are collected in the
// order they occur and never silently dropped.
type ExecutionError struct {
	StepID   string `json:"step_id"`
	StepName string `json:"step_name,omitempty"`
	Code     string `json:"code,omitempty"`
	Reason   string `json:"reason"`
}

func (e *ExecutionError) Error() string {
	if e.StepID != "" {
		return "step " + e.StepID + ": " + e.Reason
	}
	return e.Reason
}

// ExecutionResult is returned to the caller of ExecuteWorkflow. It is
// created once per run and not mutated after return.
type ExecutionResult struct {
	WorkflowID     string                 `json:"workflow_id"`
	RunID          string                 `json:"run_id"`
	Status         schema.WorkflowStatus  `json:"status"`
	CompletedSteps int                    `json:"completed_steps"`
	TotalSteps     int                    `json:"total_steps"`
	Duration       time.Duration          `json:"duration"`
	StepResults    map[string]*StepResult `json:"step_results"`
	// CompletionOrder lists step IDs in the order their results settled,
	// which in parallel mode differs from step-number order.
	CompletionOrder []string          `json:"completion_order"`
	Errors          []*ExecutionError `json:"errors,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     time.Time         `json:"completed_at"`
}

// ActiveRun is a registry snapshot entry for an in-flight execution.
type ActiveRun struct {
	WorkflowID string    `json:"workflow_id"`
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
}
