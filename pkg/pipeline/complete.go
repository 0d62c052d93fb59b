package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/antfarm-dev/antfarm/pkg/events"
	"github.com/antfarm-dev/antfarm/pkg/models"
	"github.com/antfarm-dev/antfarm/pkg/store"
)

// CompleteStep records a worker's successful output against a step (by row
// id) and drives the resulting transition: context merge, one-time stories
// ingestion, story completion inside loops, verify-each arbitration, and
// pipeline advancement. A terminal run absorbs the call as a no-op.
//
// A STORIES_JSON validation failure is returned as an error and rolls the
// whole transaction back: the step stays running and the context is left
// untouched.
func (e *Engine) CompleteStep(ctx context.Context, stepRowID, output string) (*CompleteResult, error) {
	result := &CompleteResult{}
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
			slog.Info("Ignoring completion for terminal run",
				"run_id", run.ID, "step_id", step.StepID, "run_status", run.Status)
			return nil
		}

		parsed := ParseOutput(output)
		merged := run.Context().Clone()
		merged.Merge(parsed)

		if payload, ok := ExtractStoriesJSON(output); ok {
			stories, err := ParseStories(payload)
			if err != nil {
				return fmt.Errorf("stories ingestion rejected: %w", err)
			}
			if err := e.ingestStories(ctx, tx, run.ID, stories); err != nil {
				return err
			}
		}

		if err := tx.UpdateRunContext(ctx, run.ID, merged.Encode()); err != nil {
			return err
		}
		run.ContextRaw = merged.Encode()

		// The worker has exited; its session rows are no longer live.
		if err := tx.DeleteSessionsByStep(ctx, step.ID); err != nil {
			return err
		}

		if step.IsLoop() && step.CurrentStoryID != "" {
			return e.completeStoryLocked(ctx, tx, &buf, &post, run, step, output, result)
		}

		if loopStep, err := verifyTargetLoop(ctx, tx, run.ID, step.StepID); err != nil {
			return err
		} else if loopStep != nil {
			return e.verifyCompletionLocked(ctx, tx, &buf, &post, run, step, loopStep, parsed, merged, output, result)
		}

		if err := tx.UpdateStepStatusOutput(ctx, step.ID, models.StepStatusDone, output); err != nil {
			return err
		}
		buf.add(stepEvent(events.TypeStepDone, run, step, ""), run.NotifyURL)

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

// completeStoryLocked finishes the loop step's current story and either
// hands off to the verify step or runs the loop-continuation check.
func (e *Engine) completeStoryLocked(ctx context.Context, tx *store.Tx, buf *eventBuf, post *postCommit, run *models.Run, step *models.Step, output string, result *CompleteResult) error {
	story, err := tx.GetStory(ctx, step.CurrentStoryID)
	if err != nil {
		return err
	}

	if err := tx.UpdateStoryStatusOutput(ctx, story.ID, models.StoryStatusDone, output); err != nil {
		return err
	}
	if err := tx.SetStepCurrentStory(ctx, step.ID, ""); err != nil {
		return err
	}
	step.CurrentStoryID = ""
	// The loop step keeps running across story iterations; the output of
	// the latest story is retained on the step.
	if err := tx.UpdateStepStatusOutput(ctx, step.ID, models.StepStatusRunning, output); err != nil {
		return err
	}
	buf.add(storyEvent(events.TypeStoryDone, run, step, story, ""), run.NotifyURL)

	if cfg := step.LoopConfig(); cfg != nil && cfg.VerifyEach && cfg.VerifyStep != "" {
		verify, err := tx.StepByRunAndStepID(ctx, run.ID, cfg.VerifyStep)
		if err != nil {
			return err
		}
		if err := tx.UpdateStepStatus(ctx, verify.ID, models.StepStatusPending); err != nil {
			return err
		}
		buf.add(stepEvent(events.TypeStepPending, run, verify, "verifying "+story.StoryID), run.NotifyURL)
		return nil
	}

	result.Advanced, result.RunCompleted, err = e.loopContinuationLocked(ctx, tx, buf, post, run, step)
	return err
}

// verifyCompletionLocked applies a verify step's verdict to the most
// recently completed story. The verify step itself is reset to waiting so
// the next iteration re-arms it.
func (e *Engine) verifyCompletionLocked(ctx context.Context, tx *store.Tx, buf *eventBuf, post *postCommit, run *models.Run, verifyStep, loopStep *models.Step, parsed, merged models.Context, output string, result *CompleteResult) error {
	if err := tx.UpdateStepStatusOutput(ctx, verifyStep.ID, models.StepStatusWaiting, output); err != nil {
		return err
	}

	story, err := tx.MostRecentDoneStory(ctx, run.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	verdict := strings.ToLower(strings.TrimSpace(parsed["status"]))
	if verdict == "retry" && story != nil {
		retry := story.RetryCount + 1
		if retry > story.MaxRetries {
			if err := tx.SetStoryRetryStatus(ctx, story.ID, models.StoryStatusFailed, retry); err != nil {
				return err
			}
			buf.add(storyEvent(events.TypeStoryFailed, run, loopStep, story,
				fmt.Sprintf("rejected by verification after %d retries", story.MaxRetries)), run.NotifyURL)
			return e.failRunLocked(ctx, tx, buf, post, run, loopStep,
				fmt.Sprintf("story %s exceeded its retry budget", story.StoryID))
		}

		if err := tx.SetStoryRetryStatus(ctx, story.ID, models.StoryStatusPending, retry); err != nil {
			return err
		}
		feedback := parsed["issues"]
		if feedback == "" {
			feedback = strings.TrimSpace(output)
		}
		merged["verify_feedback"] = feedback
		if err := tx.UpdateRunContext(ctx, run.ID, merged.Encode()); err != nil {
			return err
		}
		if err := tx.UpdateStepStatus(ctx, loopStep.ID, models.StepStatusPending); err != nil {
			return err
		}
		buf.add(storyEvent(events.TypeStoryRetry, run, loopStep, story,
			fmt.Sprintf("retry %d of %d", retry, story.MaxRetries)), run.NotifyURL)
		return nil
	}

	if story != nil {
		buf.add(storyEvent(events.TypeStoryVerified, run, loopStep, story, ""), run.NotifyURL)
	}
	if _, ok := merged["verify_feedback"]; ok {
		delete(merged, "verify_feedback")
		if err := tx.UpdateRunContext(ctx, run.ID, merged.Encode()); err != nil {
			return err
		}
	}

	result.Advanced, result.RunCompleted, err = e.loopContinuationLocked(ctx, tx, buf, post, run, loopStep)
	return err
}

// loopContinuationLocked decides what happens to a loop step after a story
// resolves: more pending stories re-arm the step for the daemon, a failed
// story fails the run, and all-done completes the loop.
func (e *Engine) loopContinuationLocked(ctx context.Context, tx *store.Tx, buf *eventBuf, post *postCommit, run *models.Run, loopStep *models.Step) (bool, bool, error) {
	stories, err := tx.StoriesByRun(ctx, run.ID)
	if err != nil {
		return false, false, err
	}

	var pending, failed int
	for i := range stories {
		switch stories[i].Status {
		case models.StoryStatusPending:
			pending++
		case models.StoryStatusFailed:
			failed++
		}
	}

	if pending > 0 {
		if err := tx.UpdateStepStatus(ctx, loopStep.ID, models.StepStatusPending); err != nil {
			return false, false, err
		}
		buf.add(stepEvent(events.TypeStepPending, run, loopStep,
			fmt.Sprintf("%d stories remaining", pending)), run.NotifyURL)
		return false, false, nil
	}
	if failed > 0 {
		return false, false, e.failRunLocked(ctx, tx, buf, post, run, loopStep,
			fmt.Sprintf("%d of %d stories failed", failed, len(stories)))
	}
	return e.finishLoopLocked(ctx, tx, buf, post, run, loopStep)
}

// finishLoopLocked marks a fully-done loop step (and its verify step, if
// any) done and advances the pipeline.
func (e *Engine) finishLoopLocked(ctx context.Context, tx *store.Tx, buf *eventBuf, post *postCommit, run *models.Run, loopStep *models.Step) (bool, bool, error) {
	if err := tx.UpdateStepStatus(ctx, loopStep.ID, models.StepStatusDone); err != nil {
		return false, false, err
	}
	loopStep.Status = models.StepStatusDone
	buf.add(stepEvent(events.TypeStepDone, run, loopStep, "all stories done"), run.NotifyURL)

	if cfg := loopStep.LoopConfig(); cfg != nil && cfg.VerifyStep != "" {
		verify, err := tx.StepByRunAndStepID(ctx, run.ID, cfg.VerifyStep)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return false, false, err
		}
		if verify != nil && !verify.Status.IsTerminal() {
			if err := tx.UpdateStepStatus(ctx, verify.ID, models.StepStatusDone); err != nil {
				return false, false, err
			}
			buf.add(stepEvent(events.TypeStepDone, run, verify, ""), run.NotifyURL)
		}
	}

	return e.advanceLocked(ctx, tx, buf, post, run)
}

// verifyTargetLoop returns the loop step that names stepID as its verify
// step, or nil when stepID is not a verify step.
func verifyTargetLoop(ctx context.Context, tx *store.Tx, runID, stepID string) (*models.Step, error) {
	steps, err := tx.StepsByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	for i := range steps {
		if !steps[i].IsLoop() {
			continue
		}
		if cfg := steps[i].LoopConfig(); cfg != nil && cfg.VerifyStep == stepID {
			return &steps[i], nil
		}
	}
	return nil, nil
}
