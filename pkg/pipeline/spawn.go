package pipeline

import (
	"context"
	"errors"

	"github.com/antfarm-dev/antfarm/pkg/events"
	"github.com/antfarm-dev/antfarm/pkg/models"
	"github.com/antfarm-dev/antfarm/pkg/store"
)

// ConfirmSpawn completes the spawn handshake for a claim: the claiming row
// transitions to running and an active session is recorded. Returns
// ErrStaleClaim when the row left the claiming state in the meantime, for
// example because the run was cancelled or the stale-claim sweep fired.
func (e *Engine) ConfirmSpawn(ctx context.Context, claim *ClaimResult, sessionID string, source models.SpawnSource) error {
	var buf eventBuf

	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		step, err := tx.GetStep(ctx, claim.StepRowID)
		if err != nil {
			return err
		}
		run, err := tx.GetRun(ctx, step.RunID)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			return ErrStaleClaim
		}

		session := &models.ActiveSession{
			AgentID:   claim.AgentID,
			StepID:    claim.StepRowID,
			RunID:     run.ID,
			SessionID: sessionID,
			SpawnedBy: source,
		}

		if claim.IsStory {
			story, err := tx.GetStory(ctx, claim.StoryRowID)
			if err != nil {
				return err
			}
			if story.Status != models.StoryStatusClaiming {
				return ErrStaleClaim
			}
			if err := tx.UpdateStoryStatus(ctx, story.ID, models.StoryStatusRunning); err != nil {
				return err
			}
			session.StoryID = story.ID
			if err := tx.InsertSession(ctx, session); err != nil {
				return err
			}
			ev := storyEvent(events.TypeStoryStarted, run, step, story, "")
			ev.SessionID = sessionID
			buf.add(ev, run.NotifyURL)
			return nil
		}

		if step.Status != models.StepStatusClaiming {
			return ErrStaleClaim
		}
		if err := tx.UpdateStepStatus(ctx, step.ID, models.StepStatusRunning); err != nil {
			return err
		}
		if err := tx.InsertSession(ctx, session); err != nil {
			return err
		}
		ev := stepEvent(events.TypeStepRunning, run, step, "")
		ev.SessionID = sessionID
		buf.add(ev, run.NotifyURL)
		return nil
	})

	buf.flush(e.emitter)
	return err
}

// RollbackSpawn reverts a claim whose spawn failed: the claiming row goes
// back to pending without burning a retry, and a story claim also releases
// the loop step's current-story pointer. Rows that already moved on are
// left alone.
func (e *Engine) RollbackSpawn(ctx context.Context, claim *ClaimResult, reason string) error {
	var buf eventBuf

	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		step, err := tx.GetStep(ctx, claim.StepRowID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		run, err := tx.GetRun(ctx, step.RunID)
		if err != nil {
			return err
		}

		if claim.IsStory {
			story, err := tx.GetStory(ctx, claim.StoryRowID)
			if err != nil {
				return err
			}
			if story.Status != models.StoryStatusClaiming {
				return nil
			}
			if err := tx.UpdateStoryStatus(ctx, story.ID, models.StoryStatusPending); err != nil {
				return err
			}
			if err := tx.ClearStepCurrentStoryIf(ctx, step.ID, story.ID); err != nil {
				return err
			}
			buf.add(storyEvent(events.TypeStoryRollback, run, step, story, reason), run.NotifyURL)
			return nil
		}

		if step.Status != models.StepStatusClaiming {
			return nil
		}
		if err := tx.UpdateStepStatus(ctx, step.ID, models.StepStatusPending); err != nil {
			return err
		}
		buf.add(stepEvent(events.TypeStepRollback, run, step, reason), run.NotifyURL)
		return nil
	})

	buf.flush(e.emitter)
	return err
}
