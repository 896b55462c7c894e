package engine

import (
	"context"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// mockStore is an in-memory store.Store for engine tests. It records every
// step update so tests can assert on the persistence trail.
type mockStore struct {
	mu        sync.Mutex
	workflows map[string]*store.Workflow
	steps     map[string][]*store.Step // workflowID -> steps
	records   []*store.RunRecord

	stepUpdates []stepUpdateCall

	failWorkflowUpdate bool // force UpdateWorkflowStatus errors
}

type stepUpdateCall struct {
	workflowID string
	stepID     string
	update     store.StepUpdate
}

func newMockStore() *mockStore {
	return &mockStore{
		workflows: make(map[string]*store.Workflow),
		steps:     make(map[string][]*store.Step),
	}
}

func (m *mockStore) addWorkflow(wf *store.Workflow, steps []*store.Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = wf
	m.steps[wf.ID] = steps
}

func (m *mockStore) stepStatus(workflowID, stepID string) (schema.StepStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.steps[workflowID] {
		if st.ID == stepID {
			return st.Status, true
		}
	}
	return "", false
}

func (m *mockStore) CreateWorkflow(ctx context.Context, wf *store.Workflow, steps []*store.Step) error {
	m.addWorkflow(wf, steps)
	return nil
}

func (m *mockStore) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	return wf, nil
}

func (m *mockStore) LoadWorkflowWithSteps(ctx context.Context, id string) (*store.Workflow, []*store.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	return wf, m.steps[id], nil
}

func (m *mockStore) UpdateWorkflowStatus(ctx context.Context, id string, update store.WorkflowUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWorkflowUpdate {
		return schema.NewError(schema.ErrCodeStore, "forced store failure")
	}
	wf, ok := m.workflows[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	if update.Status != nil {
		wf.Status = *update.Status
	}
	if update.StartedAt != nil {
		wf.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		wf.CompletedAt = update.CompletedAt
	}
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *mockStore) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Workflow
	for _, wf := range m.workflows {
		out = append(out, wf)
	}
	return out, nil
}

func (m *mockStore) DeleteWorkflow(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workflows, id)
	delete(m.steps, id)
	return nil
}

func (m *mockStore) UpdateStepStatus(ctx context.Context, workflowID, stepID string, update store.StepUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepUpdates = append(m.stepUpdates, stepUpdateCall{workflowID: workflowID, stepID: stepID, update: update})
	for _, st := range m.steps[workflowID] {
		if st.ID != stepID {
			continue
		}
		if update.Status != nil {
			st.Status = *update.Status
		}
		if update.Output != nil {
			st.Output = update.Output
		}
		if update.Error != nil {
			st.Error = update.Error
		}
		if update.StartedAt != nil {
			st.StartedAt = update.StartedAt
		}
		if update.CompletedAt != nil {
			st.CompletedAt = update.CompletedAt
		}
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "step %s not found", stepID)
}

func (m *mockStore) GetStatusSnapshot(ctx context.Context, workflowID string) (*store.StatusSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[workflowID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", workflowID)
	}
	steps := m.steps[workflowID]
	snap := &store.StatusSnapshot{
		WorkflowID: workflowID,
		Status:     wf.Status,
		TotalSteps: len(steps),
		Steps:      steps,
	}
	for _, st := range steps {
		switch st.Status {
		case schema.StepStatusCompleted:
			snap.CompletedSteps++
		case schema.StepStatusFailed:
			snap.FailedSteps++
		case schema.StepStatusRunning:
			snap.RunningSteps++
		}
	}
	if snap.TotalSteps > 0 {
		snap.PercentComplete = float64(snap.CompletedSteps) / float64(snap.TotalSteps) * 100
	}
	return snap, nil
}

func (m *mockStore) AppendRunRecord(ctx context.Context, rec *store.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *mockStore) ListRunRecords(ctx context.Context, workflowID string) ([]*store.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.RunRecord
	for _, rec := range m.records {
		if rec.WorkflowID == workflowID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *mockStore) CreateScheduledRun(ctx context.Context, sr *store.ScheduledRun) error { return nil }
func (m *mockStore) GetScheduledRun(ctx context.Context, id string) (*store.ScheduledRun, error) {
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "scheduled run %s not found", id)
}
func (m *mockStore) UpdateScheduledRun(ctx context.Context, id string, update store.ScheduledRunUpdate) error {
	return nil
}
func (m *mockStore) ListScheduledRuns(ctx context.Context, filter store.ScheduledRunFilter) ([]*store.ScheduledRun, error) {
	return nil, nil
}
func (m *mockStore) DeleteScheduledRun(ctx context.Context, id string) error { return nil }
func (m *mockStore) Migrate(ctx context.Context) error                       { return nil }
func (m *mockStore) Vacuum(ctx context.Context) error                        { return nil }
func (m *mockStore) Close() error                                            { return nil }

var _ store.Store = (*mockStore)(nil)

// mockExecutor returns canned results per step name, or calls a custom
// function when set.
type mockExecutor struct {
	mu       sync.Mutex
	fn       func(ctx context.Context, step *store.Step, inputs map[string]any) (*StepResult, error)
	executed []string // step IDs in execution order
}

func (m *mockExecutor) ExecuteStep(ctx context.Context, step *store.Step, inputs map[string]any) (*StepResult, error) {
	m.mu.Lock()
	m.executed = append(m.executed, step.ID)
	fn := m.fn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, step, inputs)
	}
	return &StepResult{
		StepID:     step.ID,
		Success:    true,
		Confidence: 1.0,
		Outputs:    map[string]any{"ok": true},
	}, nil
}

func (m *mockExecutor) executedSteps() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.executed))
	copy(out, m.executed)
	return out
}
