package store

import (
	"context"
	"fmt"
	"time"

	"github.com/antfarm-dev/antfarm/pkg/models"
)

// CreateStep inserts a step row. Timestamps are set by the store.
func (s Queries) CreateStep(ctx context.Context, step *models.Step) error {
	ts := now()
	step.CreatedAt = ts
	step.UpdatedAt = ts
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO steps (id, run_id, step_id, agent_id, step_index, input_template, expects,
		                    step_type, loop_config, max_retries, retry_count, abandoned_count,
		                    status, current_story_id, output, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.StepID, step.AgentID, step.StepIndex, step.InputTemplate,
		step.Expects, step.Type, step.LoopConfigRaw, step.MaxRetries, step.RetryCount,
		step.AbandonedCount, step.Status, step.CurrentStoryID, step.Output,
		step.CreatedAt, step.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}
	return nil
}

// GetStep fetches a step by row id.
func (s Queries) GetStep(ctx context.Context, id string) (*models.Step, error) {
	var step models.Step
	if err := s.q.GetContext(ctx, &step, `SELECT * FROM steps WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &step, nil
}

// StepByRunAndStepID fetches a step by its run and human step id.
func (s Queries) StepByRunAndStepID(ctx context.Context, runID, stepID string) (*models.Step, error) {
	var step models.Step
	if err := s.q.GetContext(ctx, &step,
		`SELECT * FROM steps WHERE run_id = ? AND step_id = ?`, runID, stepID); err != nil {
		return nil, notFound(err)
	}
	return &step, nil
}

// StepsByRun returns a run's steps ordered by step index.
func (s Queries) StepsByRun(ctx context.Context, runID string) ([]models.Step, error) {
	var steps []models.Step
	if err := s.q.SelectContext(ctx, &steps,
		`SELECT * FROM steps WHERE run_id = ? ORDER BY step_index`, runID); err != nil {
		return nil, fmt.Errorf("failed to query steps for run: %w", err)
	}
	return steps, nil
}

// PendingStepForAgent selects the claimable pending step for an agent,
// skipping steps whose run is failed or cancelled. Ordering is by
// (run_id, step_index) so claim order is deterministic.
func (s Queries) PendingStepForAgent(ctx context.Context, agentID string) (*models.Step, error) {
	var step models.Step
	err := s.q.GetContext(ctx, &step,
		`SELECT steps.* FROM steps
		 JOIN runs ON runs.id = steps.run_id
		 WHERE steps.agent_id = ? AND steps.status = ?
		   AND runs.status NOT IN (?, ?)
		 ORDER BY steps.run_id, steps.step_index
		 LIMIT 1`,
		agentID, models.StepStatusPending, models.RunStatusFailed, models.RunStatusCancelled)
	if err != nil {
		return nil, notFound(err)
	}
	return &step, nil
}

// RunningLoopStepForAgent finds a loop step owned by the agent that is
// currently running, skipping terminal runs.
func (s Queries) RunningLoopStepForAgent(ctx context.Context, agentID string) (*models.Step, error) {
	var step models.Step
	err := s.q.GetContext(ctx, &step,
		`SELECT steps.* FROM steps
		 JOIN runs ON runs.id = steps.run_id
		 WHERE steps.agent_id = ? AND steps.status = ? AND steps.step_type = ?
		   AND runs.status = ?
		 ORDER BY steps.run_id, steps.step_index
		 LIMIT 1`,
		agentID, models.StepStatusRunning, models.StepTypeLoop, models.RunStatusRunning)
	if err != nil {
		return nil, notFound(err)
	}
	return &step, nil
}

// UpdateStepStatus sets the step status and touches updated_at.
func (s Queries) UpdateStepStatus(ctx context.Context, id string, status models.StepStatus) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE steps SET status = ?, updated_at = ? WHERE id = ?`, status, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update step status: %w", err)
	}
	return nil
}

// UpdateStepStatusOutput sets the step status and stores its output.
func (s Queries) UpdateStepStatusOutput(ctx context.Context, id string, status models.StepStatus, output string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE steps SET status = ?, output = ?, updated_at = ? WHERE id = ?`,
		status, output, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update step status and output: %w", err)
	}
	return nil
}

// SetStepCurrentStory points the step at the story being worked; an empty
// storyID clears the pointer.
func (s Queries) SetStepCurrentStory(ctx context.Context, id, storyID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE steps SET current_story_id = ?, updated_at = ? WHERE id = ?`,
		storyID, now(), id)
	if err != nil {
		return fmt.Errorf("failed to set step current story: %w", err)
	}
	return nil
}

// ClearStepCurrentStoryIf clears current_story_id only if it still points
// at the given story. Used by spawn rollback so a concurrent re-claim is
// not clobbered.
func (s Queries) ClearStepCurrentStoryIf(ctx context.Context, id, storyID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE steps SET current_story_id = '', updated_at = ? WHERE id = ? AND current_story_id = ?`,
		now(), id, storyID)
	if err != nil {
		return fmt.Errorf("failed to clear step current story: %w", err)
	}
	return nil
}

// SetStepRetryStatus sets the status and retry counter together.
func (s Queries) SetStepRetryStatus(ctx context.Context, id string, status models.StepStatus, retryCount int) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE steps SET status = ?, retry_count = ?, updated_at = ? WHERE id = ?`,
		status, retryCount, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update step retry status: %w", err)
	}
	return nil
}

// SetStepAbandonedStatus sets the status and abandonment counter together.
// Abandonments are tracked separately from retries: process death is not
// the agent's fault.
func (s Queries) SetStepAbandonedStatus(ctx context.Context, id string, status models.StepStatus, abandonedCount int) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE steps SET status = ?, abandoned_count = ?, updated_at = ? WHERE id = ?`,
		status, abandonedCount, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update step abandoned status: %w", err)
	}
	return nil
}

// StepsInStatusOlderThan returns steps in the given status whose
// updated_at is older than cutoff and whose run is not terminal.
func (s Queries) StepsInStatusOlderThan(ctx context.Context, status models.StepStatus, cutoff time.Time) ([]models.Step, error) {
	var steps []models.Step
	err := s.q.SelectContext(ctx, &steps,
		`SELECT steps.* FROM steps
		 JOIN runs ON runs.id = steps.run_id
		 WHERE steps.status = ? AND steps.updated_at < ?
		   AND runs.status NOT IN (?, ?, ?)
		 ORDER BY steps.updated_at`,
		status, cutoff.UTC(),
		models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s steps: %w", status, err)
	}
	return steps, nil
}
