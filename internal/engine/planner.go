package engine

import (
	"context"
	"sort"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// Planner prepares a workflow for execution and rejects it early if it is
// not runnable. It has no side effects; status is not mutated until the
// engine commits to starting the run.
type Planner struct {
	store store.Store
}

// NewPlanner creates a Planner backed by the given store.
func NewPlanner(s store.Store) *Planner {
	return &Planner{store: s}
}

// LoadForExecution fetches the workflow and its steps ordered by step
// number. Fails with WORKFLOW_NOT_FOUND if the workflow does not exist.
func (p *Planner) LoadForExecution(ctx context.Context, workflowID string) (*store.Workflow, []*store.Step, error) {
	return p.store.LoadWorkflowWithSteps(ctx, workflowID)
}

// ValidateReadiness checks that a loaded workflow can be executed:
// it must have at least one step, must not currently be running, and its
// step numbers must form a dense 1..N sequence with no gaps or duplicates.
func (p *Planner) ValidateReadiness(wf *store.Workflow, steps []*store.Step) error {
	if len(steps) == 0 {
		return schema.NewErrorf(schema.ErrCodeNoSteps, "workflow %s has no steps", wf.ID)
	}

	if wf.Status == schema.WorkflowStatusRunning {
		return schema.NewErrorf(schema.ErrCodeAlreadyRunning, "workflow %s is already running", wf.ID)
	}

	numbers := make([]int, len(steps))
	for i, st := range steps {
		numbers[i] = st.StepNumber
	}
	sort.Ints(numbers)

	// Walk the sorted sequence and report the first expected-vs-actual mismatch.
	for i, n := range numbers {
		if n != i+1 {
			return schema.NewErrorf(schema.ErrCodeInvalidSequence,
				"workflow %s has an invalid step sequence: expected step number %d, got %d", wf.ID, i+1, n).
				WithDetails(map[string]any{"position": i, "expected": i + 1, "actual": n})
		}
	}

	return nil
}
