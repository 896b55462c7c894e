package engine

import "github.com/loomworks/loom/pkg/schema"

// FinalStatus computes the terminal workflow status from the run's step
// outcomes. The order of checks matters: a run that completed every step
// with no recorded errors is completed; a run that completed no steps at
// all is always failed, even when continueOnError was requested; anything
// in between is partial.
func FinalStatus(completedSteps, totalSteps int, hasErrors bool) schema.WorkflowStatus {
	switch {
	case completedSteps == totalSteps && !hasErrors:
		return schema.WorkflowStatusCompleted
	case completedSteps == 0:
		return schema.WorkflowStatusFailed
	default:
		return schema.WorkflowStatusPartial
	}
}
