package schema

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusPartial   WorkflowStatus = "partial"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the status ends a run. A workflow left in a
// terminal status may still be executed again; the next run transitions
// it back to running.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusPartial, WorkflowStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	// StepStatusCancelled marks steps that were never attempted because the
	// run was cancelled while they were still pending.
	StepStatusCancelled StepStatus = "cancelled"
)
