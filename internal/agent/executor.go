package agent

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// WorkerKind selects how a worker runs a step's program.
type WorkerKind string

const (
	WorkerKindExpr WorkerKind = "expr" // expr-lang program
	WorkerKindJQ   WorkerKind = "jq"   // jq transform
	WorkerKindCEL  WorkerKind = "cel"  // CEL condition/guard
	WorkerKindFunc WorkerKind = "func" // in-process Go function
)

// WorkerFunc is the body of a func-kind worker.
type WorkerFunc func(ctx context.Context, step *store.Step, inputs map[string]any) (map[string]any, error)

// Worker describes one registered worker that steps can be assigned to.
type Worker struct {
	ID   string
	Name string
	Kind WorkerKind
	Fn   WorkerFunc // required for WorkerKindFunc, ignored otherwise
}

// WorkerInfo is a registry listing entry.
type WorkerInfo struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	Kind WorkerKind `json:"kind"`
}

// LocalExecutor runs steps in-process. Expression-kind workers evaluate the
// step's program through the matching expression engine; func-kind workers
// call a registered Go function. It satisfies engine.StepExecutor and is safe
// for concurrent use.
type LocalExecutor struct {
	mu      sync.RWMutex
	workers map[string]*Worker

	exprEngine *expressions.ExprEngine
	jqEngine   *expressions.GoJQEngine
	celEngine  *expressions.CELEngine

	logger *slog.Logger
}

// NewLocalExecutor creates an executor with empty worker registry.
func NewLocalExecutor(logger *slog.Logger) (*LocalExecutor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &LocalExecutor{
		workers:    make(map[string]*Worker),
		exprEngine: expressions.NewExprEngine(),
		jqEngine:   expressions.NewGoJQEngine(),
		celEngine:  celEngine,
		logger:     logger,
	}, nil
}

// RegisterWorker adds a worker to the registry. Registering the same ID twice
// is an error.
func (l *LocalExecutor) RegisterWorker(w Worker) error {
	if w.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "worker ID is required")
	}
	if w.Kind == WorkerKindFunc && w.Fn == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "worker %s: func kind requires Fn", w.ID)
	}
	switch w.Kind {
	case WorkerKindExpr, WorkerKindJQ, WorkerKindCEL, WorkerKindFunc:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "worker %s: unknown kind %q", w.ID, w.Kind)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.workers[w.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "worker %s already registered", w.ID)
	}
	l.workers[w.ID] = &w
	return nil
}

// ListWorkers returns registered workers sorted by ID.
func (l *LocalExecutor) ListWorkers() []WorkerInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]WorkerInfo, 0, len(l.workers))
	for _, w := range l.workers {
		out = append(out, WorkerInfo{ID: w.ID, Name: w.Name, Kind: w.Kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ExecuteStep dispatches the step to its assigned worker and wraps the
// evaluation result as a StepResult.
func (l *LocalExecutor) ExecuteStep(ctx context.Context, step *store.Step, inputs map[string]any) (*engine.StepResult, error) {
	if step.AssignedWorkerID == "" {
		return nil, schema.NewError(schema.ErrCodeNoWorker, "no worker assigned").WithStep(step.ID)
	}

	l.mu.RLock()
	worker, ok := l.workers[step.AssignedWorkerID]
	l.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNoWorker,
			"worker %s not registered", step.AssignedWorkerID).WithStep(step.ID)
	}

	log := logging.LogWith(logging.WithIDs(ctx, step.WorkflowID, step.ID, worker.ID), l.logger)
	log.Debug("dispatching step", slog.String("kind", string(worker.Kind)))

	started := time.Now()
	outputs, err := l.dispatch(ctx, worker, step, inputs)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
			"worker %s: %s", worker.ID, err.Error()).WithStep(step.ID).WithCause(err)
	}

	return &engine.StepResult{
		StepID:     step.ID,
		Success:    true,
		Duration:   time.Since(started),
		Confidence: 1.0,
		Outputs:    outputs,
	}, nil
}

func (l *LocalExecutor) dispatch(ctx context.Context, worker *Worker, step *store.Step, inputs map[string]any) (map[string]any, error) {
	if worker.Kind == WorkerKindFunc {
		return worker.Fn(ctx, step, inputs)
	}

	if step.Program == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "step has no program").WithStep(step.ID)
	}

	data := map[string]any{
		"inputs": inputs,
		"step": map[string]any{
			"id":          step.ID,
			"name":        step.Name,
			"step_number": step.StepNumber,
		},
		"workflow": map[string]any{
			"id": step.WorkflowID,
		},
	}

	var eng expressions.Engine
	switch worker.Kind {
	case WorkerKindExpr:
		eng = l.exprEngine
	case WorkerKindJQ:
		eng = l.jqEngine
	case WorkerKindCEL:
		eng = l.celEngine
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown worker kind %q", worker.Kind)
	}

	result, err := eng.Evaluate(ctx, step.Program, data)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}

var _ engine.StepExecutor = (*LocalExecutor)(nil)
