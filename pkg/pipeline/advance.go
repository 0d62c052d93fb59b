package pipeline

import (
	"context"

	"github.com/antfarm-dev/antfarm/pkg/events"
	"github.com/antfarm-dev/antfarm/pkg/models"
	"github.com/antfarm-dev/antfarm/pkg/store"
)

// AdvancePipeline promotes a run's lowest waiting step to pending once
// everything before it is done, or completes the run when nothing is left.
// Re-entrant: concurrent invocations test and update state in the same
// transaction, so they converge.
func (e *Engine) AdvancePipeline(ctx context.Context, runID string) (*CompleteResult, error) {
	result := &CompleteResult{}
	var buf eventBuf
	var post postCommit

	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		run, err := tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		result.Advanced, result.RunCompleted, err = e.advanceLocked(ctx, tx, &buf, &post, run)
		return err
	})

	buf.flush(e.emitter)
	e.afterCommit(post)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// advanceLocked is the in-transaction advancement. A terminal run is never
// advanced. A step counts as incomplete while pending, claiming, running,
// or failed; a failed step blocks advancement until retried or the run is
// failed.
func (e *Engine) advanceLocked(ctx context.Context, tx *store.Tx, buf *eventBuf, post *postCommit, run *models.Run) (bool, bool, error) {
	if run.Status.IsTerminal() {
		return false, false, nil
	}

	steps, err := tx.StepsByRun(ctx, run.ID)
	if err != nil {
		return false, false, err
	}

	var waiting *models.Step
	incompleteBefore := false
	anyIncomplete := false
	for i := range steps {
		step := &steps[i]
		switch step.Status {
		case models.StepStatusWaiting:
			if waiting == nil {
				waiting = step
			}
		case models.StepStatusPending, models.StepStatusClaiming,
			models.StepStatusRunning, models.StepStatusFailed:
			anyIncomplete = true
			if waiting == nil {
				incompleteBefore = true
			}
		}
	}

	if waiting != nil {
		if incompleteBefore {
			return false, false, nil
		}
		if err := tx.UpdateStepStatus(ctx, waiting.ID, models.StepStatusPending); err != nil {
			return false, false, err
		}
		buf.add(runEvent(events.TypePipelineAdvanced, run, "next step "+waiting.StepID), run.NotifyURL)
		buf.add(stepEvent(events.TypeStepPending, run, waiting, ""), run.NotifyURL)
		return true, false, nil
	}

	if anyIncomplete {
		return false, false, nil
	}

	if err := tx.UpdateRunStatus(ctx, run.ID, models.RunStatusCompleted); err != nil {
		return false, false, err
	}
	run.Status = models.RunStatusCompleted
	buf.add(runEvent(events.TypeRunCompleted, run, ""), run.NotifyURL)
	post.completedRunID = run.ID
	return false, true, nil
}
