package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/antfarm-dev/antfarm/pkg/events"
	"github.com/antfarm-dev/antfarm/pkg/models"
	"github.com/antfarm-dev/antfarm/pkg/store"
)

// AbandonedStepLimit is how many times a single step may be abandoned (its
// worker died without reporting) before the step and run fail. Abandonment
// is tracked separately from retries: process death is not the agent's
// fault.
const AbandonedStepLimit = 5

// RecoverAbandonedStep handles a running step whose worker has gone silent
// past its timeout. Loop steps waiting on verification are skipped; loop
// steps with a story in flight burn the story's retry budget; single steps
// burn the abandonment budget. The caller decides which steps qualify.
func (e *Engine) RecoverAbandonedStep(ctx context.Context, stepRowID string) error {
	var buf eventBuf
	var post postCommit

	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		step, err := tx.GetStep(ctx, stepRowID)
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
		if run.Status.IsTerminal() || step.Status != models.StepStatusRunning {
			return nil
		}

		if step.IsLoop() {
			if step.CurrentStoryID == "" {
				cfg := step.LoopConfig()
				if cfg != nil && cfg.VerifyEach && cfg.VerifyStep != "" {
					verify, err := tx.StepByRunAndStepID(ctx, run.ID, cfg.VerifyStep)
					if err != nil && !errors.Is(err, store.ErrNotFound) {
						return err
					}
					if verify != nil && verifyInFlight(verify.Status) {
						// The loop is parked while its verify step runs.
						return nil
					}
				}
				// No story and nothing verifying: re-arm for the daemon.
				if err := tx.UpdateStepStatus(ctx, step.ID, models.StepStatusPending); err != nil {
					return err
				}
				buf.add(stepEvent(events.TypeStepTimeout, run, step, "idle loop step re-armed"), run.NotifyURL)
				return tx.DeleteSessionsByStep(ctx, step.ID)
			}

			story, err := tx.GetStory(ctx, step.CurrentStoryID)
			if err != nil {
				return err
			}
			retry := story.RetryCount + 1
			if retry > story.MaxRetries {
				if err := tx.SetStoryRetryStatus(ctx, story.ID, models.StoryStatusFailed, retry); err != nil {
					return err
				}
				buf.add(storyEvent(events.TypeStoryFailed, run, step, story,
					fmt.Sprintf("abandoned after %d retries", story.MaxRetries)), run.NotifyURL)
				if err := e.failRunLocked(ctx, tx, &buf, &post, run, step, "abandoned story exceeded its retry budget"); err != nil {
					return err
				}
				return tx.DeleteSessionsByStep(ctx, step.ID)
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
				fmt.Sprintf("abandoned, retry %d of %d", retry, story.MaxRetries)), run.NotifyURL)
			return tx.DeleteSessionsByStep(ctx, step.ID)
		}

		abandoned := step.AbandonedCount + 1
		if abandoned >= AbandonedStepLimit {
			if err := tx.SetStepAbandonedStatus(ctx, step.ID, models.StepStatusFailed, abandoned); err != nil {
				return err
			}
			step.Status = models.StepStatusFailed
			buf.add(stepEvent(events.TypeStepTimeout, run, step,
				fmt.Sprintf("abandoned %d times, giving up", abandoned)), run.NotifyURL)
			if err := e.failRunLocked(ctx, tx, &buf, &post, run, nil,
				fmt.Sprintf("step %s was abandoned %d times", step.StepID, abandoned)); err != nil {
				return err
			}
			return tx.DeleteSessionsByStep(ctx, step.ID)
		}

		if err := tx.SetStepAbandonedStatus(ctx, step.ID, models.StepStatusPending, abandoned); err != nil {
			return err
		}
		buf.add(stepEvent(events.TypeStepTimeout, run, step,
			fmt.Sprintf("abandoned %d of %d, returned to pending", abandoned, AbandonedStepLimit)), run.NotifyURL)
		return tx.DeleteSessionsByStep(ctx, step.ID)
	})

	buf.flush(e.emitter)
	e.afterCommit(post)
	return err
}

func verifyInFlight(status models.StepStatus) bool {
	return status == models.StepStatusPending ||
		status == models.StepStatusClaiming ||
		status == models.StepStatusRunning
}

// ResetAbandonedStories returns running stories with no active step owner
// to pending. Retry counters are untouched.
func (e *Engine) ResetAbandonedStories(ctx context.Context) (int, error) {
	reset := 0
	var buf eventBuf

	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		stories, err := tx.RunningStories(ctx)
		if err != nil {
			return err
		}

		for i := range stories {
			story := &stories[i]
			steps, err := tx.StepsByRun(ctx, story.RunID)
			if err != nil {
				return err
			}
			var owner *models.Step
			for j := range steps {
				if steps[j].CurrentStoryID == story.ID &&
					(steps[j].Status == models.StepStatusRunning || steps[j].Status == models.StepStatusClaiming) {
					owner = &steps[j]
					break
				}
			}
			if owner != nil {
				continue
			}

			if err := tx.UpdateStoryStatus(ctx, story.ID, models.StoryStatusPending); err != nil {
				return err
			}
			run, err := tx.GetRun(ctx, story.RunID)
			if err != nil {
				return err
			}
			buf.add(events.Event{
				Event:      events.TypeStoryRollback,
				RunID:      run.ID,
				WorkflowID: run.WorkflowID,
				StoryID:    story.StoryID,
				StoryTitle: story.Title,
				Detail:     "no active owner",
			}, run.NotifyURL)
			reset++
		}
		return nil
	})

	buf.flush(e.emitter)
	return reset, err
}

// AdvanceStuckRuns finds running runs parked behind a completed loop step
// (a done loop, nothing in flight, waiting steps behind it) and advances
// them. Covers advancement lost to a crash between a loop finishing and
// its pipeline moving on.
func (e *Engine) AdvanceStuckRuns(ctx context.Context) (int, error) {
	runs, err := e.store.RunningRuns(ctx)
	if err != nil {
		return 0, err
	}

	advanced := 0
	for i := range runs {
		var buf eventBuf
		var post postCommit
		didAdvance := false

		err := e.store.WithTx(ctx, func(tx *store.Tx) error {
			run, err := tx.GetRun(ctx, runs[i].ID)
			if err != nil {
				return err
			}
			steps, err := tx.StepsByRun(ctx, run.ID)
			if err != nil {
				return err
			}
			if !stuckBehindLoop(steps) {
				return nil
			}
			didAdvance, _, err = e.advanceLocked(ctx, tx, &buf, &post, run)
			return err
		})

		buf.flush(e.emitter)
		e.afterCommit(post)
		if err != nil {
			return advanced, err
		}
		if didAdvance {
			advanced++
		}
	}
	return advanced, nil
}

// stuckBehindLoop reports a done loop step with no in-flight step anywhere
// and at least one waiting step behind it.
func stuckBehindLoop(steps []models.Step) bool {
	doneLoopIdx := -1
	waitingBehind := false
	for i := range steps {
		switch steps[i].Status {
		case models.StepStatusPending, models.StepStatusClaiming, models.StepStatusRunning:
			return false
		case models.StepStatusDone:
			if steps[i].IsLoop() {
				doneLoopIdx = steps[i].StepIndex
			}
		case models.StepStatusWaiting:
			if doneLoopIdx >= 0 && steps[i].StepIndex > doneLoopIdx {
				waitingBehind = true
			}
		}
	}
	return doneLoopIdx >= 0 && waitingBehind
}

// RollbackStaleClaims reverts steps and stories stuck in claiming for
// longer than olderThan: back to pending with the retry counter bumped and
// a rollback event. Covers spawns that died between claim and
// confirmation.
func (e *Engine) RollbackStaleClaims(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rolledBack := 0
	var buf eventBuf

	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		steps, err := tx.StepsInStatusOlderThan(ctx, models.StepStatusClaiming, cutoff)
		if err != nil {
			return err
		}
		for i := range steps {
			step := &steps[i]
			if err := tx.SetStepRetryStatus(ctx, step.ID, models.StepStatusPending, step.RetryCount+1); err != nil {
				return err
			}
			run, err := tx.GetRun(ctx, step.RunID)
			if err != nil {
				return err
			}
			buf.add(stepEvent(events.TypeStepRollback, run, step, "claim expired"), run.NotifyURL)
			rolledBack++
		}

		stories, err := tx.StoriesInStatusOlderThan(ctx, models.StoryStatusClaiming, cutoff)
		if err != nil {
			return err
		}
		for i := range stories {
			story := &stories[i]
			if err := tx.SetStoryRetryStatus(ctx, story.ID, models.StoryStatusPending, story.RetryCount+1); err != nil {
				return err
			}
			run, err := tx.GetRun(ctx, story.RunID)
			if err != nil {
				return err
			}

			steps, err := tx.StepsByRun(ctx, story.RunID)
			if err != nil {
				return err
			}
			for j := range steps {
				if steps[j].CurrentStoryID != story.ID {
					continue
				}
				if err := tx.ClearStepCurrentStoryIf(ctx, steps[j].ID, story.ID); err != nil {
					return err
				}
				buf.add(storyEvent(events.TypeStoryRollback, run, &steps[j], story, "claim expired"), run.NotifyURL)
			}
			rolledBack++
		}
		return nil
	})

	buf.flush(e.emitter)
	return rolledBack, err
}

// GCSessions prunes active-session rows that are older than maxAge or
// whose step is no longer in flight.
func (e *Engine) GCSessions(ctx context.Context, maxAge time.Duration) (int, error) {
	removed := 0

	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		sessions, err := tx.ListSessions(ctx)
		if err != nil {
			return err
		}
		cutoff := time.Now().UTC().Add(-maxAge)

		for i := range sessions {
			s := &sessions[i]
			stale := s.SpawnedAt.Before(cutoff)
			if !stale {
				step, err := tx.GetStep(ctx, s.StepID)
				if errors.Is(err, store.ErrNotFound) {
					stale = true
				} else if err != nil {
					return err
				} else {
					stale = !verifyInFlight(step.Status)
				}
			}
			if !stale {
				continue
			}
			if err := tx.DeleteSession(ctx, s.AgentID, s.StepID, s.StoryID); err != nil {
				return err
			}
			removed++
		}
		return nil
	})

	return removed, err
}
