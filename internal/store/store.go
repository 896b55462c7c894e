package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow, steps []*Step) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	LoadWorkflowWithSteps(ctx context.Context, id string) (*Workflow, []*Step, error)
	UpdateWorkflowStatus(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Steps
	UpdateStepStatus(ctx context.Context, workflowID, stepID string, update StepUpdate) error
	GetStatusSnapshot(ctx context.Context, workflowID string) (*StatusSnapshot, error)

	// Run history (append-only)
	AppendRunRecord(ctx context.Context, rec *RunRecord) error
	ListRunRecords(ctx context.Context, workflowID string) ([]*RunRecord, error)

	// Scheduled runs
	CreateScheduledRun(ctx context.Context, sr *ScheduledRun) error
	GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error)
	UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error
	ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error)
	DeleteScheduledRun(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
