package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// RunRegistry tracks in-flight runs, keyed by workflow ID. It is owned by
// the engine instance it is injected into and guarded by a mutex; it is
// process-local and not durable, so a restart loses in-flight-run tracking.
type RunRegistry struct {
	mu   sync.Mutex
	runs map[string]*registeredRun
}

type registeredRun struct {
	ActiveRun
	cancel context.CancelFunc
}

// NewRunRegistry creates an empty registry.
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]*registeredRun)}
}

// Add registers a run. It fails with WORKFLOW_ALREADY_RUNNING if a run for
// the same workflow is already active, guarding against re-entrant
// execution racing past the planner's store-status check.
func (r *RunRegistry) Add(workflowID, runID string, startedAt time.Time, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[workflowID]; ok {
		return schema.NewErrorf(schema.ErrCodeAlreadyRunning, "workflow %s is already running", workflowID)
	}
	r.runs[workflowID] = &registeredRun{
		ActiveRun: ActiveRun{WorkflowID: workflowID, RunID: runID, StartedAt: startedAt},
		cancel:    cancel,
	}
	return nil
}

// Remove drops a run entry. Safe to call for unknown workflows.
func (r *RunRegistry) Remove(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, workflowID)
}

// Cancel cancels the run's context and removes the entry. Returns false if
// no run was active for the workflow. Cancellation is cooperative: a step
// executor call already in flight observes it through its context.
func (r *RunRegistry) Cancel(workflowID string) bool {
	r.mu.Lock()
	run, ok := r.runs[workflowID]
	if ok {
		delete(r.runs, workflowID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	run.cancel()
	return true
}

// Get returns the active run for a workflow, if any.
func (r *RunRegistry) Get(workflowID string) (ActiveRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[workflowID]
	if !ok {
		return ActiveRun{}, false
	}
	return run.ActiveRun, true
}

// List returns a snapshot of all active runs, oldest first.
func (r *RunRegistry) List() []ActiveRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ActiveRun, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, run.ActiveRun)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Len returns the number of active runs.
func (r *RunRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
