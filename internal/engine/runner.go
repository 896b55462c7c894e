package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// runner drives a validated workflow's steps to completion under the
// chosen concurrency mode, collecting per-step results and errors.
type runner struct {
	store    store.Store
	executor StepExecutor
	pool     *WorkerPool
	logger   *slog.Logger
}

// runOutcome is the runner's view of a finished (or aborted) run.
type runOutcome struct {
	completed int
	results   map[string]*StepResult
	order     []string // step IDs in completion order
	errs      []*ExecutionError

	timedOut    bool // run deadline expired
	interrupted bool // run context cancelled
}

func newRunOutcome(n int) *runOutcome {
	return &runOutcome{
		results: make(map[string]*StepResult, n),
		order:   make([]string, 0, n),
	}
}

func (o *runOutcome) hasErrors() bool { return len(o.errs) > 0 }

// run executes the steps according to the options. The deadline, when
// non-zero, was captured once at run start; it is checked at every step or
// batch boundary rather than recomputed mid-run.
func (r *runner) run(ctx context.Context, steps []*store.Step, opts ExecutionOptions, deadline time.Time) *runOutcome {
	if opts.ParallelExecution {
		return r.runParallel(ctx, steps, opts, deadline)
	}
	return r.runSequential(ctx, steps, opts, deadline)
}

// runSequential iterates steps in ascending step-number order with a single
// executor call in flight at a time. A later step is never started before
// an earlier one's call has returned.
func (r *runner) runSequential(ctx context.Context, steps []*store.Step, opts ExecutionOptions, deadline time.Time) *runOutcome {
	out := newRunOutcome(len(steps))
	inputs := make(map[string]any)

	for i, st := range steps {
		if ctx.Err() != nil {
			r.noteInterruption(ctx, out, steps[i:])
			break
		}
		if deadlinePassed(deadline) {
			r.noteTimeout(out)
			break
		}

		if st.AssignedWorkerID == "" {
			out.errs = append(out.errs, noWorkerError(st))
			r.persistStepFailure(st, "no worker assigned")
			if !opts.ContinueOnError {
				break
			}
			continue
		}

		res, xerr := r.executeOne(ctx, st, inputs)
		if xerr == nil {
			// A call that finished before observing cancellation still counts;
			// the store already has the step marked completed.
			out.results[st.ID] = res
			out.order = append(out.order, st.ID)
			out.completed++
			inputs[st.Name] = res.Outputs
		} else {
			// Record the step's own failure even when the run was cancelled at
			// the same boundary.
			out.errs = append(out.errs, xerr)
		}
		if ctx.Err() != nil {
			r.noteInterruption(ctx, out, steps[i+1:])
			break
		}
		if xerr != nil && !opts.ContinueOnError {
			break
		}
	}

	return out
}

// runParallel filters out unassigned steps up front, then partitions the
// assigned steps into consecutive batches of MaxConcurrentSteps. A batch
// fully settles before the next one starts; ordering between steps within
// a batch is not guaranteed.
func (r *runner) runParallel(ctx context.Context, steps []*store.Step, opts ExecutionOptions, deadline time.Time) *runOutcome {
	out := newRunOutcome(len(steps))

	var assigned []*store.Step
	for _, st := range steps {
		if st.AssignedWorkerID == "" {
			out.errs = append(out.errs, noWorkerError(st))
			r.persistStepFailure(st, "no worker assigned")
			continue
		}
		assigned = append(assigned, st)
	}

	// Same halt policy as sequential mode: an unassigned step is a failure,
	// and without continueOnError no execution is attempted at all.
	if out.hasErrors() && !opts.ContinueOnError {
		return out
	}

	inputs := make(map[string]any)

	for start := 0; start < len(assigned); start += opts.MaxConcurrentSteps {
		if ctx.Err() != nil {
			r.noteInterruption(ctx, out, assigned[start:])
			break
		}
		if deadlinePassed(deadline) {
			r.noteTimeout(out)
			break
		}

		end := start + opts.MaxConcurrentSteps
		if end > len(assigned) {
			end = len(assigned)
		}
		batch := assigned[start:end]

		// Steps see outputs of previously settled batches only.
		batchInputs := make(map[string]any, len(inputs))
		for k, v := range inputs {
			batchInputs[k] = v
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		batchFailed := false

		for _, st := range batch {
			st := st
			wg.Add(1)
			submitErr := r.pool.Submit(ctx, func(stepCtx context.Context) error {
				defer wg.Done()
				res, xerr := r.executeSafely(stepCtx, st, batchInputs)
				mu.Lock()
				defer mu.Unlock()
				if xerr != nil {
					out.errs = append(out.errs, xerr)
					batchFailed = true
					return xerr
				}
				out.results[st.ID] = res
				out.order = append(out.order, st.ID)
				out.completed++
				inputs[st.Name] = res.Outputs
				return nil
			})
			if submitErr != nil {
				wg.Done()
				mu.Lock()
				out.errs = append(out.errs, &ExecutionError{
					StepID:   st.ID,
					StepName: st.Name,
					Code:     schema.ErrCodeExecution,
					Reason:   "step submission rejected: " + submitErr.Error(),
				})
				batchFailed = true
				mu.Unlock()
			}
		}

		// Batch barrier: every submission settles before the next batch starts.
		wg.Wait()

		if err := ctx.Err(); err != nil {
			r.noteInterruption(ctx, out, assigned[end:])
			break
		}
		if batchFailed && !opts.ContinueOnError {
			break
		}
	}

	return out
}

// executeSafely wraps executeOne for the pool path: a panicking executor
// becomes a recorded step failure instead of escaping into the pool's
// recovery, which would drop the outcome and leave the step row running.
func (r *runner) executeSafely(ctx context.Context, st *store.Step, inputs map[string]any) (res *StepResult, xerr *ExecutionError) {
	defer func() {
		if rec := recover(); rec != nil {
			reason := fmt.Sprintf("step executor panicked: %v", rec)
			r.persistStepFailure(st, reason)
			res = nil
			xerr = &ExecutionError{
				StepID:   st.ID,
				StepName: st.Name,
				Code:     schema.ErrCodeExecution,
				Reason:   reason,
			}
		}
	}()
	return r.executeOne(ctx, st, inputs)
}

// executeOne runs a single step through the executor, persisting status
// transitions around the call. Persistence is best-effort; the run
// continues even when a bookkeeping write fails.
func (r *runner) executeOne(ctx context.Context, st *store.Step, inputs map[string]any) (*StepResult, *ExecutionError) {
	started := time.Now().UTC()
	running := schema.StepStatusRunning
	_ = r.store.UpdateStepStatus(context.Background(), st.WorkflowID, st.ID,
		store.StepUpdate{Status: &running, StartedAt: &started})

	log := logging.LogWith(logging.WithIDs(ctx, st.WorkflowID, st.ID, st.AssignedWorkerID), r.logger)
	log.Debug("executing step", slog.Int("step_number", st.StepNumber))

	res, err := r.executor.ExecuteStep(ctx, st, inputs)
	completedAt := time.Now().UTC()

	if err == nil && (res == nil || !res.Success) {
		err = schema.NewError(schema.ErrCodeStepFailed, "step executor reported failure").WithStep(st.ID)
	}
	if err != nil {
		log.Warn("step failed", slog.String("error", err.Error()))
		r.persistStepFailure(st, err.Error())
		return nil, stepError(st, err)
	}

	if res.StepID == "" {
		res.StepID = st.ID
	}
	if res.Duration == 0 {
		res.Duration = completedAt.Sub(started)
	}

	output, _ := json.Marshal(res.Outputs)
	completed := schema.StepStatusCompleted
	_ = r.store.UpdateStepStatus(context.Background(), st.WorkflowID, st.ID,
		store.StepUpdate{Status: &completed, Output: output, CompletedAt: &completedAt})

	return res, nil
}

// noteInterruption classifies a context error at a step/batch boundary.
// A deadline expiry counts as a run timeout; anything else is a
// cancellation, and steps not yet attempted are marked cancelled.
func (r *runner) noteInterruption(ctx context.Context, out *runOutcome, remaining []*store.Step) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.noteTimeout(out)
		return
	}
	out.interrupted = true
	r.markCancelled(remaining)
}

// noteTimeout records the run-deadline expiry exactly once. Steps that were
// never attempted keep their pending status.
func (r *runner) noteTimeout(out *runOutcome) {
	if out.timedOut {
		return
	}
	out.timedOut = true
	out.errs = append(out.errs, &ExecutionError{
		Code:   schema.ErrCodeTimeout,
		Reason: "run deadline exceeded",
	})
}

// markCancelled transitions unattempted steps to cancelled, best-effort.
func (r *runner) markCancelled(remaining []*store.Step) {
	cancelled := schema.StepStatusCancelled
	for _, st := range remaining {
		if !CanTransitionStep(st.Status, schema.StepStatusCancelled) {
			continue
		}
		_ = r.store.UpdateStepStatus(context.Background(), st.WorkflowID, st.ID,
			store.StepUpdate{Status: &cancelled})
	}
}

func (r *runner) persistStepFailure(st *store.Step, reason string) {
	payload, _ := json.Marshal(map[string]string{"error": reason})
	failed := schema.StepStatusFailed
	now := time.Now().UTC()
	_ = r.store.UpdateStepStatus(context.Background(), st.WorkflowID, st.ID,
		store.StepUpdate{Status: &failed, Error: payload, CompletedAt: &now})
}

func deadlinePassed(deadline time.Time) bool {
	return !deadline.IsZero() && time.Now().After(deadline)
}

func noWorkerError(st *store.Step) *ExecutionError {
	return &ExecutionError{
		StepID:   st.ID,
		StepName: st.Name,
		Code:     schema.ErrCodeNoWorker,
		Reason:   "no worker assigned",
	}
}

// stepError converts an executor error into an ExecutionError, preserving
// structured codes where present.
func stepError(st *store.Step, err error) *ExecutionError {
	var lerr *schema.LoomError
	if errors.As(err, &lerr) {
		return &ExecutionError{StepID: st.ID, StepName: st.Name, Code: lerr.Code, Reason: lerr.Message}
	}
	return &ExecutionError{StepID: st.ID, StepName: st.Name, Code: schema.ErrCodeStepFailed, Reason: err.Error()}
}
