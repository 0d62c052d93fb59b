package store

import (
	"context"
	"fmt"

	"github.com/antfarm-dev/antfarm/pkg/models"
)

// CreateRun inserts a run, assigning the next monotonic run number.
// CreatedAt/UpdatedAt are set by the store.
func (s Queries) CreateRun(ctx context.Context, run *models.Run) error {
	var next int64
	if err := s.q.GetContext(ctx, &next,
		`SELECT COALESCE(MAX(run_number), 0) + 1 FROM runs`); err != nil {
		return fmt.Errorf("failed to allocate run number: %w", err)
	}
	run.RunNumber = next
	ts := now()
	run.CreatedAt = ts
	run.UpdatedAt = ts

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO runs (id, run_number, workflow_id, task, status, context, notify_url, scheduler, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.RunNumber, run.WorkflowID, run.Task, run.Status,
		run.ContextRaw, run.NotifyURL, run.Scheduler, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRun fetches a run by id.
func (s Queries) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	if err := s.q.GetContext(ctx, &run, `SELECT * FROM runs WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &run, nil
}

// UpdateRunStatus sets the run status and touches updated_at.
func (s Queries) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`, status, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return nil
}

// UpdateRunContext replaces the run's serialised context.
func (s Queries) UpdateRunContext(ctx context.Context, id string, contextRaw string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE runs SET context = ?, updated_at = ? WHERE id = ?`, contextRaw, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update run context: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s Queries) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []models.Run
	if err := s.q.SelectContext(ctx, &runs,
		`SELECT * FROM runs ORDER BY run_number DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// RunningRuns returns all runs in status running.
func (s Queries) RunningRuns(ctx context.Context) ([]models.Run, error) {
	var runs []models.Run
	if err := s.q.SelectContext(ctx, &runs,
		`SELECT * FROM runs WHERE status = ? ORDER BY run_number`, models.RunStatusRunning); err != nil {
		return nil, fmt.Errorf("failed to query running runs: %w", err)
	}
	return runs, nil
}

// DistinctDaemonWorkflowIDs returns the workflow ids of running runs that
// are daemon-scheduled. Runs with an empty or cron scheduler are excluded;
// this is what keeps the daemon from interfering with a cron-driven
// runtime operating on the same database.
func (s Queries) DistinctDaemonWorkflowIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.q.SelectContext(ctx, &ids,
		`SELECT DISTINCT workflow_id FROM runs WHERE status = ? AND scheduler = ? ORDER BY workflow_id`,
		models.RunStatusRunning, models.SchedulerDaemon); err != nil {
		return nil, fmt.Errorf("failed to query daemon workflows: %w", err)
	}
	return ids, nil
}
