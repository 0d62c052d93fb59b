package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/antfarm-dev/antfarm/pkg/events"
	"github.com/antfarm-dev/antfarm/pkg/models"
	"github.com/antfarm-dev/antfarm/pkg/store"
)

// FailStep records a worker-reported failure against a step (by row id).
// Loop steps with a story in flight fail the story, not the step: the
// story's retry budget decides whether it goes back to pending or takes
// the run down with it. Single steps burn their own retry budget. A
// terminal run absorbs the call as a no-op.
func (e *Engine) FailStep(ctx context.Context, stepRowID, reason string) (*FailResult, error) {
	result := &FailResult{}
	var buf eventBuf
	var post postCommit

	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		step, err := tx.GetStep(ctx, stepRowID)
		if err != nil {
			return err
		}
		run, err := tx.GetRun(ctx, step.RunID)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			slog.Info("Ignoring failure for terminal run",
				"run_id", run.ID, "step_id", step.StepID, "run_status", run.Status)
			return nil
		}

		if err := tx.DeleteSessionsByStep(ctx, step.ID); err != nil {
			return err
		}

		if step.IsLoop() && step.CurrentStoryID != "" {
			return e.failStoryLocked(ctx, tx, &buf, &post, run, step, reason, result)
		}

		retry := step.RetryCount + 1
		if retry > step.MaxRetries {
			if err := tx.UpdateStepStatusOutput(ctx, step.ID, models.StepStatusFailed, reason); err != nil {
				return err
			}
			if err := tx.SetStepRetryStatus(ctx, step.ID, models.StepStatusFailed, retry); err != nil {
				return err
			}
			buf.add(stepEvent(events.TypeStepFailed, run, step,
				fmt.Sprintf("failed after %d retries: %s", step.MaxRetries, reason)), run.NotifyURL)
			if err := e.failRunLocked(ctx, tx, &buf, &post, run, nil,
				fmt.Sprintf("step %s exceeded its retry budget", step.StepID)); err != nil {
				return err
			}
			result.RunFailed = true
			return nil
		}

		if err := tx.SetStepRetryStatus(ctx, step.ID, models.StepStatusPending, retry); err != nil {
			return err
		}
		buf.add(stepEvent(events.TypeStepFailed, run, step,
			fmt.Sprintf("retry %d of %d: %s", retry, step.MaxRetries, reason)), run.NotifyURL)
		result.Retrying = true
		return nil
	})

	buf.flush(e.emitter)
	e.afterCommit(post)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// failStoryLocked applies a failure to the loop step's current story.
func (e *Engine) failStoryLocked(ctx context.Context, tx *store.Tx, buf *eventBuf, post *postCommit, run *models.Run, step *models.Step, reason string, result *FailResult) error {
	story, err := tx.GetStory(ctx, step.CurrentStoryID)
	if err != nil {
		return err
	}

	retry := story.RetryCount + 1
	if retry > story.MaxRetries {
		if err := tx.UpdateStoryStatusOutput(ctx, story.ID, models.StoryStatusFailed, reason); err != nil {
			return err
		}
		if err := tx.SetStoryRetryStatus(ctx, story.ID, models.StoryStatusFailed, retry); err != nil {
			return err
		}
		buf.add(storyEvent(events.TypeStoryFailed, run, step, story,
			fmt.Sprintf("failed after %d retries: %s", story.MaxRetries, reason)), run.NotifyURL)
		if err := e.failRunLocked(ctx, tx, buf, post, run, step,
			fmt.Sprintf("story %s exceeded its retry budget", story.StoryID)); err != nil {
			return err
		}
		result.RunFailed = true
		return nil
	}

	if err := tx.SetStoryRetryStatus(ctx, story.ID, models.StoryStatusPending, retry); err != nil {
		return err
	}
	if err := tx.SetStepCurrentStory(ctx, step.ID, ""); err != nil {
		return err
	}
	if err := tx.UpdateStepStatus(ctx, step.ID, models.StepStatusPending); err != nil {
		return err
	}
	buf.add(storyEvent(events.TypeStoryRetry, run, step, story,
		fmt.Sprintf("retry %d of %d: %s", retry, story.MaxRetries, reason)), run.NotifyURL)
	result.Retrying = true
	return nil
}

// failRunLocked fails the run (and optionally a step that caused it) and
// schedules teardown for after commit. Already-terminal runs are left
// alone.
func (e *Engine) failRunLocked(ctx context.Context, tx *store.Tx, buf *eventBuf, post *postCommit, run *models.Run, step *models.Step, detail string) error {
	if run.Status.IsTerminal() {
		return nil
	}
	if step != nil && !step.Status.IsTerminal() {
		if err := tx.UpdateStepStatus(ctx, step.ID, models.StepStatusFailed); err != nil {
			return err
		}
		step.Status = models.StepStatusFailed
		buf.add(stepEvent(events.TypeStepFailed, run, step, detail), run.NotifyURL)
	}
	if err := tx.UpdateRunStatus(ctx, run.ID, models.RunStatusFailed); err != nil {
		return err
	}
	run.Status = models.RunStatusFailed
	buf.add(runEvent(events.TypeRunFailed, run, detail), run.NotifyURL)
	post.failedRunID = run.ID
	return nil
}
