package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

func newTestEngine(ms *mockStore, exec StepExecutor) Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(ms, exec, Config{PoolSize: 8}, logger)
}

func seedWorkflow(ms *mockStore, id string, numbers ...int) []*store.Step {
	wf := testWorkflow(id, schema.WorkflowStatusPending)
	steps := testSteps(id, numbers...)
	ms.addWorkflow(wf, steps)
	return steps
}

func TestExecuteWorkflow_SequentialCompletes(t *testing.T) {
	ms := newMockStore()
	steps := seedWorkflow(ms, "wf1", 1, 2, 3)
	exec := &mockExecutor{}
	eng := newTestEngine(ms, exec)

	res, err := eng.ExecuteWorkflow(context.Background(), "wf1", ExecutionOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	assert.Equal(t, 3, res.CompletedSteps)
	assert.Equal(t, 3, res.TotalSteps)
	assert.Empty(t, res.Errors)
	assert.NotEmpty(t, res.RunID)

	// Steps run in ascending step-number order.
	assert.Equal(t, []string{steps[0].ID, steps[1].ID, steps[2].ID}, exec.executedSteps())
	assert.Equal(t, []string{steps[0].ID, steps[1].ID, steps[2].ID}, res.CompletionOrder)

	wf, err := ms.GetWorkflow(context.Background(), "wf1")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, wf.Status)
	require.NotNil(t, wf.CompletedAt)
}

func TestExecuteWorkflow_NotFound(t *testing.T) {
	eng := newTestEngine(newMockStore(), &mockExecutor{})
	_, err := eng.ExecuteWorkflow(context.Background(), "missing", ExecutionOptions{})
	assertLoomCode(t, err, schema.ErrCodeNotFound)
}

func TestExecuteWorkflow_SequentialStopsAtUnassignedStep(t *testing.T) {
	ms := newMockStore()
	steps := seedWorkflow(ms, "wf1", 1, 2, 3)
	steps[1].AssignedWorkerID = "" // step 2 has no worker
	exec := &mockExecutor{}
	eng := newTestEngine(ms, exec)

	res, err := eng.ExecuteWorkflow(context.Background(), "wf1", ExecutionOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusPartial, res.Status)
	assert.Equal(t, 1, res.CompletedSteps)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, schema.ErrCodeNoWorker, res.Errors[0].Code)
	assert.Equal(t, steps[1].ID, res.Errors[0].StepID)

	// Step 3 never ran.
	assert.Equal(t, []string{steps[0].ID}, exec.executedSteps())

	status, ok := ms.stepStatus("wf1", steps[1].ID)
	require.True(t, ok)
	assert.Equal(t, schema.StepStatusFailed, status)
}

func TestExecuteWorkflow_SequentialContinueOnError(t *testing.T) {
	ms := newMockStore()
	steps := seedWorkflow(ms, "wf1", 1, 2, 3)
	steps[1].AssignedWorkerID = ""
	exec := &mockExecutor{}
	eng := newTestEngine(ms, exec)

	res, err := eng.ExecuteWorkflow(context.Background(), "wf1", ExecutionOptions{ContinueOnError: true})
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusPartial, res.Status)
	assert.Equal(t, 2, res.CompletedSteps)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, []string{steps[0].ID, steps[2].ID}, exec.executedSteps())
}

func TestExecuteWorkflow_AllStepsFailIsFailed(t *testing.T) {
	ms := newMockStore()
	seedWorkflow(ms, "wf1", 1, 2)
	exec := &mockExecutor{
		fn: func(ctx context.Context, step *store.Step, inputs map[string]any) (*StepResult, error) {
			return nil, schema.NewError(schema.ErrCodeStepFailed, "deliberate failure").WithStep(step.ID)
		},
	}
	eng := newTestEngine(ms, exec)

	res, err := eng.ExecuteWorkflow(context.Background(), "wf1", ExecutionOptions{ContinueOnError: true})
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusFailed, res.Status)
	assert.Equal(t, 0, res.CompletedSteps)
	assert.Len(t, res.Errors, 2)
}

func TestExecuteWorkflow_StepOutputsFlowForward(t *testing.T) {
	ms := newMockStore()
	seedWorkflow(ms, "wf1", 1, 2)

	var seen map[string]any
	var mu sync.Mutex
	exec := &mockExecutor{
		fn: func(ctx context.Context, step *store.Step, inputs map[string]any) (*StepResult, error) {
			mu.Lock()
			if step.StepNumber == 2 {
				seen = inputs
			}
			mu.Unlock()
			return &StepResult{StepID: step.ID, Success: true, Outputs: map[string]any{"n": step.StepNumber}}, nil
		},
	}
	eng := newTestEngine(ms, exec)

	_, err := eng.ExecuteWorkflow(context.Background(), "wf1", ExecutionOptions{})
	require.NoError(t, err)

	// Step 2 sees step 1's outputs keyed by step name.
	require.Contains(t, seen, "step")
	assert.Equal(t, map[string]any{"n": 1}, seen["step"])
}

func TestExecuteWorkflow_ParallelBatches(t *testing.T) {
	ms := newMockStore()
	seedWorkflow(ms, "wf1", 1, 2, 3, 4, 5)

	var mu sync.Mutex
	var current, maxConcurrent int
	exec := &mockExecutor{
		fn: func(ctx context.Context, step *store.Step, inputs map[string]any) (*StepResult, error) {
			mu.Lock()
			current++
			if current > maxConcurrent {
				maxConcurrent = current
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
			return &StepResult{StepID: step.ID, Success: true}, nil
		},
	}
	eng := newTestEngine(ms, exec)

	res, err := eng.ExecuteWorkflow(context.Background(), "wf1", ExecutionOptions{
		ParallelExecution:  true,
		MaxConcurrentSteps: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	assert.Equal(t, 5, res.CompletedSteps)
	assert.LessOrEqual(t, maxConcurrent, 2, "batch size must cap concurrency")
	assert.Len(t, res.CompletionOrder, 5)
}

func TestExecuteWorkflow_ParallelBatchFailureStopsNextBatch(t *testing.T) {
	ms := newMockStore()
	steps := seedWorkflow(ms, "wf1", 1, 2, 3, 4)

	exec := &mockExecutor{
		fn: func(ctx context.Context, step *store.Step, inputs map[string]any) (*StepResult, error) {
			if step.StepNumber == 2 {
				return nil, schema.NewError(schema.ErrCodeStepFailed, "boom").WithStep(step.ID)
			}
			return &StepResult{StepID: step.ID, Success: true}, nil
		},
	}
	eng := newTestEngine(ms, exec)

	res, err := eng.ExecuteWorkflow(context.Background(), "wf1", ExecutionOptions{
		ParallelExecution:  true,
		MaxConcurrentSteps: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusPartial, res.Status)
	assert.Equal(t, 1, res.CompletedSteps)

	// Steps 3 and 4 were never attempted.
	executed := exec.executedSteps()
	assert.Len(t, executed, 2)
	assert.NotContains(t, executed, steps[2].ID)
	assert.NotContains(t, executed, steps[3].ID)
}

func TestExecuteWorkflow_ParallelUnassignedHaltsBeforeAnyBatch(t *testing.T) {
	ms := newMockStore()
	steps := seedWorkflow(ms, "wf1", 1, 2, 3)
	steps[2].AssignedWorkerID = ""
	exec := &mockExecutor{}
	eng := newTestEngine(ms, exec)

	res, err := eng.ExecuteWorkflow(context.Background(), "wf1", ExecutionOptions{
		ParallelExecution: true,
	})
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusFailed, res.Status)
	assert.Equal(t, 0, res.CompletedSteps)
	assert.Empty(t, exec.executedSteps(), "no batch should start")
	require.Len(t, res.Errors, 1)
	assert.Equal(t, schema.ErrCodeNoWorker, res.Errors[0].Code)
}

func TestExecuteWorkflow_ParallelUnassignedContinueOnError(t *testing.T) {
	ms := newMockStore()
	steps := seedWorkflow(ms, "wf1", 1, 2, 3)
	steps[1].AssignedWorkerID = ""
	exec := &mockExecutor{}
	eng := newTestEngine(ms, exec)

	res, err := eng.ExecuteWorkflow(context.Background(), "wf1", ExecutionOptions{
		ParallelExecution: true,
		ContinueOnError:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusPartial, res.Status)
	assert.Equal(t, 2, res.CompletedSteps)
	require.Len(t, res.Errors, 1)
}

func TestExecuteWorkflow_RejectsReentrantRun(t *testing.T) {
	ms := newMockStore()
	seedWorkflow(ms, "wf1", 1)

	started := make(chan struct{})
	block := make(chan struct{})
	exec := &mockExecutor{
		fn: func(ctx context.Context, step *store.Step, inputs map[string]any) (*StepResult, error) {
			close(started)
			<-block
			return &StepResult{StepID: step.ID, Success: true}, nil
		},
	}
	eng := newTestEngine(ms, exec)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = eng.ExecuteWorkflow(context.Background(), "wf1", ExecutionOptions{})
	}()
	<-started

	_, err := eng.ExecuteWorkflow(context.Background(), "wf1", ExecutionOptions{})
	assertLoomCode(t, err, schema.ErrCodeAlreadyRunning)

	close(block)
	<-done
}

func TestExecuteWorkflow_Timeout(t *testing.T) {
	ms := newMockStore()
	steps := seedWorkflow(ms, "wf1", 1, 2, 3)

	exec := &mockExecutor{
		fn: func(ctx context.Context, step *store.Step, inputs map[string]any) (*StepResult, error) {
			time.Sleep(40 * time.Millisecond)
			return &StepResult{StepID: step.ID, Success: true}, nil
		},
	}
	eng := newTestEngine(ms, exec)

	res, err := eng.ExecuteWorkflow(context.Background(), "wf1", ExecutionOptions{
		Timeout: 60 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusPartial, res.Status)
	assert.Less(t, res.CompletedSteps, 3)
	assert.GreaterOrEqual(t, res.CompletedSteps, 1)

	var timeoutErr bool
	for _, e := range res.Errors {
		if e.Code == schema.ErrCodeTimeout {
			timeoutErr = true
		}
	}
	assert.True(t, timeoutErr, "a timeout error must be recorded")

	// Unattempted steps stay pending, not cancelled.
	status, ok := ms.stepStatus("wf1", steps[2].ID)
	require.True(t, ok)
	assert.Equal(t, schema.StepStatusPending, status)
}

func TestCancelExecution_StopsRunAndClearsRegistry(t *testing.T) {
	ms := newMockStore()
	seedWorkflow(ms, "wf1", 1, 2, 3)

	started := make(chan struct{})
	var once sync.Once
	exec := &mockExecutor{
		fn: func(ctx context.Context, step *store.Step, inputs map[string]any) (*StepResult, error) {
			once.Do(func() { close(started) })
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return &StepResult{StepID: step.ID, Success: true}, nil
			}
		},
	}
	eng := newTestEngine(ms, exec)

	type runResult struct {
		res *ExecutionResult
		err error
	}
	resCh := make(chan runResult, 1)
	go func() {
		res, err := eng.ExecuteWorkflow(context.Background(), "wf1", ExecutionOptions{})
		resCh <- runResult{res, err}
	}()
	<-started

	require.Len(t, eng.ListActiveRuns(), 1)
	require.NoError(t, eng.CancelExecution(context.Background(), "wf1"))

	out := <-resCh
	require.NoError(t, out.err)
	assert.Equal(t, schema.WorkflowStatusCancelled, out.res.Status)
	assert.Empty(t, eng.ListActiveRuns())

	wf, err := ms.GetWorkflow(context.Background(), "wf1")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCancelled, wf.Status)
}

func TestCancelExecution_IdleWorkflowStillPersistsCancelled(t *testing.T) {
	ms := newMockStore()
	seedWorkflow(ms, "wf1", 1)
	eng := newTestEngine(ms, &mockExecutor{})

	require.NoError(t, eng.CancelExecution(context.Background(), "wf1"))

	wf, err := ms.GetWorkflow(context.Background(), "wf1")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCancelled, wf.Status)

	// Cancelling again is idempotent.
	require.NoError(t, eng.CancelExecution(context.Background(), "wf1"))
}

func TestCancelExecution_NotFound(t *testing.T) {
	eng := newTestEngine(newMockStore(), &mockExecutor{})
	err := eng.CancelExecution(context.Background(), "missing")
	assertLoomCode(t, err, schema.ErrCodeNotFound)
}

func TestGetStatus(t *testing.T) {
	ms := newMockStore()
	steps := seedWorkflow(ms, "wf1", 1, 2, 3, 4)
	steps[0].Status = schema.StepStatusCompleted
	steps[1].Status = schema.StepStatusCompleted
	steps[2].Status = schema.StepStatusFailed
	eng := newTestEngine(ms, &mockExecutor{})

	snap, err := eng.GetStatus(context.Background(), "wf1")
	require.NoError(t, err)

	assert.Equal(t, 4, snap.TotalSteps)
	assert.Equal(t, 2, snap.CompletedSteps)
	assert.Equal(t, 1, snap.FailedSteps)
	assert.InDelta(t, 50.0, snap.PercentComplete, 0.01)
}

func TestGetStatus_NotFound(t *testing.T) {
	eng := newTestEngine(newMockStore(), &mockExecutor{})
	_, err := eng.GetStatus(context.Background(), "missing")
	assertLoomCode(t, err, schema.ErrCodeNotFound)
}

func TestExecuteWorkflow_RecordsRunHistory(t *testing.T) {
	ms := newMockStore()
	seedWorkflow(ms, "wf1", 1, 2)
	eng := newTestEngine(ms, &mockExecutor{})

	res, err := eng.ExecuteWorkflow(context.Background(), "wf1", ExecutionOptions{})
	require.NoError(t, err)

	recs, err := ms.ListRunRecords(context.Background(), "wf1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, res.RunID, recs[0].ID)
	assert.Equal(t, schema.WorkflowStatusCompleted, recs[0].Status)
	assert.Equal(t, 2, recs[0].CompletedSteps)
}

func TestExecuteWorkflow_RerunResetsSteps(t *testing.T) {
	ms := newMockStore()
	steps := seedWorkflow(ms, "wf1", 1, 2)
	eng := newTestEngine(ms, &mockExecutor{})

	_, err := eng.ExecuteWorkflow(context.Background(), "wf1", ExecutionOptions{})
	require.NoError(t, err)

	status, _ := ms.stepStatus("wf1", steps[0].ID)
	require.Equal(t, schema.StepStatusCompleted, status)

	// A second run starts from pending again and completes.
	res, err := eng.ExecuteWorkflow(context.Background(), "wf1", ExecutionOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	assert.Equal(t, 2, res.CompletedSteps)
}

func TestExecuteWorkflow_ParallelExecutorPanicRecordedAsError(t *testing.T) {
	ms := newMockStore()
	steps := seedWorkflow(ms, "wf1", 1, 2)

	exec := &mockExecutor{
		fn: func(ctx context.Context, step *store.Step, inputs map[string]any) (*StepResult, error) {
			if step.StepNumber == 1 {
				panic("executor blew up")
			}
			return &StepResult{StepID: step.ID, Success: true}, nil
		},
	}
	eng := newTestEngine(ms, exec)

	res, err := eng.ExecuteWorkflow(context.Background(), "wf1", ExecutionOptions{
		ParallelExecution:  true,
		MaxConcurrentSteps: 1,
	})
	require.NoError(t, err)

	// The panic surfaces as a recorded step failure, and with
	// continue-on-error off the second batch never starts.
	assert.Equal(t, schema.WorkflowStatusFailed, res.Status)
	assert.Equal(t, 0, res.CompletedSteps)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, schema.ErrCodeExecution, res.Errors[0].Code)
	assert.Equal(t, steps[0].ID, res.Errors[0].StepID)
	assert.Equal(t, []string{steps[0].ID}, exec.executedSteps())

	status, ok := ms.stepStatus("wf1", steps[0].ID)
	require.True(t, ok)
	assert.Equal(t, schema.StepStatusFailed, status)
}

func TestExecuteWorkflow_ParallelExecutorPanicContinueOnError(t *testing.T) {
	ms := newMockStore()
	steps := seedWorkflow(ms, "wf1", 1, 2)

	exec := &mockExecutor{
		fn: func(ctx context.Context, step *store.Step, inputs map[string]any) (*StepResult, error) {
			if step.StepNumber == 1 {
				panic("executor blew up")
			}
			return &StepResult{StepID: step.ID, Success: true}, nil
		},
	}
	eng := newTestEngine(ms, exec)

	res, err := eng.ExecuteWorkflow(context.Background(), "wf1", ExecutionOptions{
		ParallelExecution:  true,
		MaxConcurrentSteps: 1,
		ContinueOnError:    true,
	})
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusPartial, res.Status)
	assert.Equal(t, 1, res.CompletedSteps)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, exec.executedSteps(), steps[1].ID)
}

func TestRunSequential_FailureAtCancelBoundaryIsRecorded(t *testing.T) {
	ms := newMockStore()
	steps := seedWorkflow(ms, "wf1", 1, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The executor cancels the run itself and then reports a failure: both
	// the failure and the cancellation must be reflected in the outcome.
	exec := &mockExecutor{
		fn: func(_ context.Context, step *store.Step, inputs map[string]any) (*StepResult, error) {
			cancel()
			return nil, schema.NewError(schema.ErrCodeStepFailed, "downstream exploded").WithStep(step.ID)
		},
	}

	r := &runner{
		store:    ms,
		executor: exec,
		pool:     NewWorkerPool(2),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	defer r.pool.Shutdown()

	out := r.run(ctx, steps, ExecutionOptions{}.withDefaults(), time.Time{})

	assert.True(t, out.interrupted)
	require.Len(t, out.errs, 1)
	assert.Equal(t, schema.ErrCodeStepFailed, out.errs[0].Code)
	assert.Equal(t, steps[0].ID, out.errs[0].StepID)

	status, ok := ms.stepStatus("wf1", steps[1].ID)
	require.True(t, ok)
	assert.Equal(t, schema.StepStatusCancelled, status)
}

func TestExecuteWorkflow_ExecutorPanicMarksFailed(t *testing.T) {
	ms := newMockStore()
	seedWorkflow(ms, "wf1", 1)
	exec := &mockExecutor{
		fn: func(ctx context.Context, step *store.Step, inputs map[string]any) (*StepResult, error) {
			panic("executor blew up")
		},
	}
	eng := newTestEngine(ms, exec)

	_, err := eng.ExecuteWorkflow(context.Background(), "wf1", ExecutionOptions{})
	assertLoomCode(t, err, schema.ErrCodeExecution)

	wf, gerr := ms.GetWorkflow(context.Background(), "wf1")
	require.NoError(t, gerr)
	assert.Equal(t, schema.WorkflowStatusFailed, wf.Status)
	assert.Empty(t, eng.ListActiveRuns())
}
