package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/loomworks/loom/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

// CreateWorkflow inserts a workflow and its steps in a single transaction.
func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow, steps []*Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create workflow: %w", err)
	}
	defer tx.Rollback()

	if wf.Status == "" {
		wf.Status = schema.WorkflowStatusPending
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (id, name, status, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, string(wf.Status),
		timeOrNow(wf.CreatedAt), nullTime(wf.StartedAt), nullTime(wf.CompletedAt), timeOrNow(wf.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	for _, st := range steps {
		if st.Status == "" {
			st.Status = schema.StepStatusPending
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO steps (id, workflow_id, step_number, name, assigned_worker_id, program, status, output, error, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, wf.ID, st.StepNumber, st.Name, nullStr(st.AssignedWorkerID), nullStr(st.Program),
			string(st.Status), nullRaw(st.Output), nullRaw(st.Error),
			nullTime(st.StartedAt), nullTime(st.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("insert step %d: %w", st.StepNumber, err)
		}
	}

	return tx.Commit()
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf := &Workflow{}
	var status string
	var startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, created_at, started_at, completed_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.Name, &status, &wf.CreatedAt, &startedAt, &completedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Status = schema.WorkflowStatus(status)
	if startedAt.Valid {
		wf.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		wf.CompletedAt = &completedAt.Time
	}
	return wf, nil
}

// LoadWorkflowWithSteps returns the workflow and its steps ordered by step_number.
func (s *LibSQLStore) LoadWorkflowWithSteps(ctx context.Context, id string) (*Workflow, []*Step, error) {
	wf, err := s.GetWorkflow(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, step_number, name, assigned_worker_id, program, status, output, error, started_at, completed_at
		 FROM steps WHERE workflow_id = ? ORDER BY step_number ASC`, id,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, nil, err
		}
		steps = append(steps, st)
	}
	return wf, steps, rows.Err()
}

// UpdateWorkflowStatus writes the status and timestamps of a workflow.
func (s *LibSQLStore) UpdateWorkflowStatus(ctx context.Context, id string, update WorkflowUpdate) error {
	set := []string{"updated_at = CURRENT_TIMESTAMP"}
	var args []any
	if update.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.StartedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	query := `SELECT id, name, status, created_at, started_at, completed_at, updated_at FROM workflows`
	var args []any
	if filter.Status != nil {
		query += " WHERE status = ?"
		args = append(args, string(*filter.Status))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		var status string
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&wf.ID, &wf.Name, &status, &wf.CreatedAt, &startedAt, &completedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.Status = schema.WorkflowStatus(status)
		if startedAt.Valid {
			wf.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			wf.CompletedAt = &completedAt.Time
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Steps ---

// UpdateStepStatus writes status bookkeeping for a single step.
func (s *LibSQLStore) UpdateStepStatus(ctx context.Context, workflowID, stepID string, update StepUpdate) error {
	var set []string
	var args []any
	if update.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		set = append(set, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		set = append(set, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, workflowID, stepID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE steps SET `+strings.Join(set, ", ")+` WHERE workflow_id = ? AND id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "step", stepID)
}

// GetStatusSnapshot recomputes a live progress summary from the persisted
// step rows. It does not consult any in-memory run state.
func (s *LibSQLStore) GetStatusSnapshot(ctx context.Context, workflowID string) (*StatusSnapshot, error) {
	wf, steps, err := s.LoadWorkflowWithSteps(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	snap := &StatusSnapshot{
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

// --- Run history ---

func (s *LibSQLStore) AppendRunRecord(ctx context.Context, rec *RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_history (id, workflow_id, options, status, completed_steps, total_steps, duration_ms, errors, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkflowID, nullRaw(rec.Options), string(rec.Status),
		rec.CompletedSteps, rec.TotalSteps, rec.DurationMs, nullRaw(rec.Errors),
		timeOrNow(rec.StartedAt), timeOrNow(rec.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) ListRunRecords(ctx context.Context, workflowID string) ([]*RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, options, status, completed_steps, total_steps, duration_ms, errors, started_at, completed_at
		 FROM run_history WHERE workflow_id = ? ORDER BY started_at ASC`, workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*RunRecord
	for rows.Next() {
		rec := &RunRecord{}
		var options, errs sql.NullString
		var status string
		if err := rows.Scan(&rec.ID, &rec.WorkflowID, &options, &status,
			&rec.CompletedSteps, &rec.TotalSteps, &rec.DurationMs, &errs,
			&rec.StartedAt, &rec.CompletedAt); err != nil {
			return nil, err
		}
		rec.Status = schema.WorkflowStatus(status)
		rec.Options = rawOrNil(options)
		rec.Errors = rawOrNil(errs)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Scheduled runs ---

func (s *LibSQLStore) CreateScheduledRun(ctx context.Context, sr *ScheduledRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_runs (id, workflow_id, cron_expression, options, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sr.ID, sr.WorkflowID, sr.CronExpression, nullRaw(sr.Options), sr.Enabled,
		nullTime(sr.LastRunAt), nullTime(sr.NextRunAt), nullStr(sr.LastRunStatus), timeOrNow(sr.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, cron_expression, options, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_runs WHERE id = ?`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, storeNotFound("scheduled run", id)
	}
	return scanScheduledRun(rows)
}

func (s *LibSQLStore) UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error {
	var set []string
	var args []any
	if update.Enabled != nil {
		set = append(set, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		set = append(set, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		set = append(set, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		set = append(set, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_runs SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled run", id)
}

func (s *LibSQLStore) ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error) {
	var where []string
	var args []any
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}

	query := `SELECT id, workflow_id, cron_expression, options, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ScheduledRun
	for rows.Next() {
		sr, err := scanScheduledRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, sr)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled run", id)
}

// --- Scan helpers ---

func scanStep(rows *sql.Rows) (*Step, error) {
	st := &Step{}
	var worker, program, output, errJSON sql.NullString
	var status string
	var startedAt, completedAt sql.NullTime
	if err := rows.Scan(&st.ID, &st.WorkflowID, &st.StepNumber, &st.Name, &worker, &program,
		&status, &output, &errJSON, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	st.Status = schema.StepStatus(status)
	st.AssignedWorkerID = worker.String
	st.Program = program.String
	st.Output = rawOrNil(output)
	st.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		st.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		st.CompletedAt = &completedAt.Time
	}
	return st, nil
}

func scanScheduledRun(rows *sql.Rows) (*ScheduledRun, error) {
	sr := &ScheduledRun{}
	var options, lastStatus sql.NullString
	var lastRun, nextRun sql.NullTime
	if err := rows.Scan(&sr.ID, &sr.WorkflowID, &sr.CronExpression, &options, &sr.Enabled,
		&lastRun, &nextRun, &lastStatus, &sr.CreatedAt); err != nil {
		return nil, err
	}
	sr.Options = rawOrNil(options)
	sr.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		sr.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sr.NextRunAt = &nextRun.Time
	}
	return sr, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.LoomError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
