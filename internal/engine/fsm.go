package engine

import (
	"github.com/loomworks/loom/pkg/schema"
)

// ValidWorkflowTransitions defines the allowed status transitions for
// workflows. Terminal statuses are absorbing for a given run; a later run
// transitions the workflow back to running without resetting it to pending
// first. Cancelled permits a self-transition so that repeated cancellation
// is idempotent at the store level.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending:   {schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusRunning:   {schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed, schema.WorkflowStatusPartial, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusCompleted: {schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusFailed:    {schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusPartial:   {schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusCancelled: {schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled},
}

// ValidStepTransitions defines the allowed status transitions for steps.
// Terminal step statuses transition back to pending when a fresh run resets
// the workflow's step bookkeeping.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusFailed, schema.StepStatusCancelled},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusCancelled},
	schema.StepStatusCompleted: {schema.StepStatusPending},
	schema.StepStatusFailed:    {schema.StepStatusPending},
	schema.StepStatusCancelled: {schema.StepStatusPending},
}

// CanTransitionWorkflow reports whether a workflow status transition is allowed.
func CanTransitionWorkflow(from, to schema.WorkflowStatus) bool {
	for _, a := range ValidWorkflowTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// CanTransitionStep reports whether a step status transition is allowed.
func CanTransitionStep(from, to schema.StepStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// TransitionWorkflow validates a workflow status transition, returning an
// INVALID_TRANSITION error if it is not allowed.
func TransitionWorkflow(workflowID string, from, to schema.WorkflowStatus) error {
	if !CanTransitionWorkflow(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
	}
	return nil
}
