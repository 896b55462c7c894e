package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// Engine is the workflow execution coordinator.
type Engine interface {
	// ExecuteWorkflow runs a stored workflow to a terminal status under the
	// given options and returns the per-run result.
	ExecuteWorkflow(ctx context.Context, workflowID string, opts ExecutionOptions) (*ExecutionResult, error)

	// CancelExecution requests cancellation of a workflow. The persisted
	// status becomes cancelled and the run, if active, stops issuing new
	// steps; a step executor call already in flight observes the
	// cancellation through its context.
	CancelExecution(ctx context.Context, workflowID string) error

	// GetStatus recomputes a live progress summary from the store.
	GetStatus(ctx context.Context, workflowID string) (*store.StatusSnapshot, error)

	// ListActiveRuns returns a snapshot of in-flight runs.
	ListActiveRuns() []ActiveRun
}

// DefaultPoolSize is the default engine-wide step concurrency.
const DefaultPoolSize = 10

// Config holds configuration for the engine.
type Config struct {
	PoolSize int // max concurrent step goroutines across all runs
}

type engineImpl struct {
	store    store.Store
	planner  *Planner
	runner   *runner
	registry *RunRegistry
	pool     *WorkerPool
	logger   *slog.Logger
}

// New creates an Engine with the given store and step executor.
func New(s store.Store, executor StepExecutor, cfg Config, logger *slog.Logger) Engine {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	pool := NewWorkerPool(cfg.PoolSize)
	return &engineImpl{
		store:    s,
		planner:  NewPlanner(s),
		runner:   &runner{store: s, executor: executor, pool: pool, logger: logger},
		registry: NewRunRegistry(),
		pool:     pool,
		logger:   logger,
	}
}

// ExecuteWorkflow loads, validates, and runs a workflow.
func (e *engineImpl) ExecuteWorkflow(ctx context.Context, workflowID string, opts ExecutionOptions) (result *ExecutionResult, err error) {
	opts = opts.withDefaults()

	wf, steps, err := e.planner.LoadForExecution(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if err := e.planner.ValidateReadiness(wf, steps); err != nil {
		return nil, err
	}

	startedAt := time.Now().UTC()
	var (
		deadline time.Time
		runCtx   context.Context
		cancel   context.CancelFunc
	)
	if opts.Timeout > 0 {
		// Capture the deadline once; the runner compares against this fixed
		// instant at every step/batch boundary.
		deadline = startedAt.Add(opts.Timeout)
		runCtx, cancel = context.WithDeadline(ctx, deadline)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	runID := uuid.NewString()
	if err := e.registry.Add(workflowID, runID, startedAt, cancel); err != nil {
		cancel()
		return nil, err
	}
	defer func() {
		e.registry.Remove(workflowID)
		cancel()
	}()

	if err := TransitionWorkflow(workflowID, wf.Status, schema.WorkflowStatusRunning); err != nil {
		return nil, err
	}
	running := schema.WorkflowStatusRunning
	if err := e.store.UpdateWorkflowStatus(ctx, workflowID, store.WorkflowUpdate{
		Status:    &running,
		StartedAt: &startedAt,
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "mark workflow running: %s", err.Error()).WithCause(err)
	}

	log := logging.LogWith(logging.WithWorkflowID(ctx, workflowID), e.logger)
	log.Info("workflow run started",
		slog.String("run_id", runID),
		slog.Bool("parallel", opts.ParallelExecution),
		slog.Int("steps", len(steps)),
	)

	// A panic escaping the runner must not leave the workflow stuck in
	// running: best-effort mark it failed and hand the caller a structured
	// error instead of crashing.
	defer func() {
		if rec := recover(); rec != nil {
			e.failWorkflow(workflowID)
			result = nil
			err = schema.NewErrorf(schema.ErrCodeExecution, "workflow run aborted: %v", rec)
			log.Error("workflow run panicked", slog.Any("panic", rec))
		}
	}()

	e.resetSteps(ctx, steps)

	out := e.runner.run(runCtx, steps, opts, deadline)

	status := FinalStatus(out.completed, len(steps), out.hasErrors())
	if out.interrupted {
		status = schema.WorkflowStatusCancelled
	}

	completedAt := time.Now().UTC()
	result = &ExecutionResult{
		WorkflowID:      workflowID,
		RunID:           runID,
		Status:          status,
		CompletedSteps:  out.completed,
		TotalSteps:      len(steps),
		Duration:        completedAt.Sub(startedAt),
		StepResults:     out.results,
		CompletionOrder: out.order,
		Errors:          out.errs,
		StartedAt:       startedAt,
		CompletedAt:     completedAt,
	}

	// Rewriting cancelled over an externally persisted cancellation is an
	// idempotent no-op at the store level.
	if err := e.store.UpdateWorkflowStatus(context.Background(), workflowID, store.WorkflowUpdate{
		Status:      &status,
		CompletedAt: &completedAt,
	}); err != nil {
		e.failWorkflow(workflowID)
		return nil, schema.NewErrorf(schema.ErrCodeStore, "persist terminal status: %s", err.Error()).WithCause(err)
	}

	e.appendHistory(workflowID, runID, opts, result)

	log.Info("workflow run finished",
		slog.String("run_id", runID),
		slog.String("status", string(status)),
		slog.Int("completed", out.completed),
		slog.Int("errors", len(out.errs)),
	)

	return result, nil
}

// CancelExecution sets the persisted status to cancelled and removes the
// run from the registry. Cancelling twice simply rewrites cancelled.
func (e *engineImpl) CancelExecution(ctx context.Context, workflowID string) error {
	cancelled := schema.WorkflowStatusCancelled
	now := time.Now().UTC()
	if err := e.store.UpdateWorkflowStatus(ctx, workflowID, store.WorkflowUpdate{
		Status:      &cancelled,
		CompletedAt: &now,
	}); err != nil {
		var lerr *schema.LoomError
		if errors.As(err, &lerr) && lerr.Code == schema.ErrCodeNotFound {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeCancelFailed, "cancel workflow %s: %s", workflowID, err.Error()).WithCause(err)
	}

	if e.registry.Cancel(workflowID) {
		e.logger.Info("workflow run cancelled", slog.String("workflow_id", workflowID))
	}
	return nil
}

// GetStatus recomputes a live progress summary by re-reading step statuses
// from the store; the in-memory registry is not consulted.
func (e *engineImpl) GetStatus(ctx context.Context, workflowID string) (*store.StatusSnapshot, error) {
	snap, err := e.store.GetStatusSnapshot(ctx, workflowID)
	if err != nil {
		var lerr *schema.LoomError
		if errors.As(err, &lerr) && lerr.Code == schema.ErrCodeNotFound {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeStatusFetch, "status for workflow %s: %s", workflowID, err.Error()).WithCause(err)
	}
	return snap, nil
}

// ListActiveRuns returns a snapshot of the registry.
func (e *engineImpl) ListActiveRuns() []ActiveRun {
	return e.registry.List()
}

// Shutdown stops the engine's worker pool, waiting for in-flight steps.
func (e *engineImpl) Shutdown() {
	e.pool.Shutdown()
}

// resetSteps returns every step to pending so a fresh attempt starts with
// clean bookkeeping. Previous outputs stay in place until overwritten.
func (e *engineImpl) resetSteps(ctx context.Context, steps []*store.Step) {
	pending := schema.StepStatusPending
	for _, st := range steps {
		if st.Status == schema.StepStatusPending {
			continue
		}
		_ = e.store.UpdateStepStatus(ctx, st.WorkflowID, st.ID, store.StepUpdate{Status: &pending})
		st.Status = pending
	}
}

// failWorkflow best-effort marks a workflow failed, swallowing any
// secondary store failure.
func (e *engineImpl) failWorkflow(workflowID string) {
	failed := schema.WorkflowStatusFailed
	now := time.Now().UTC()
	_ = e.store.UpdateWorkflowStatus(context.Background(), workflowID, store.WorkflowUpdate{
		Status:      &failed,
		CompletedAt: &now,
	})
}

// appendHistory writes the append-only run record, best-effort.
func (e *engineImpl) appendHistory(workflowID, runID string, opts ExecutionOptions, result *ExecutionResult) {
	optsJSON, _ := json.Marshal(opts)
	var errsJSON json.RawMessage
	if len(result.Errors) > 0 {
		errsJSON, _ = json.Marshal(result.Errors)
	}
	_ = e.store.AppendRunRecord(context.Background(), &store.RunRecord{
		ID:             runID,
		WorkflowID:     workflowID,
		Options:        optsJSON,
		Status:         result.Status,
		CompletedSteps: result.CompletedSteps,
		TotalSteps:     result.TotalSteps,
		DurationMs:     result.Duration.Milliseconds(),
		Errors:         errsJSON,
		StartedAt:      result.StartedAt,
		CompletedAt:    result.CompletedAt,
	})
}
