package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/antfarm-dev/antfarm/pkg/events"
	"github.com/antfarm-dev/antfarm/pkg/models"
	"github.com/antfarm-dev/antfarm/pkg/store"
)

// claimCapture carries the rows and context snapshot out of a claim
// transaction so input resolution (file and git probes) can happen after
// commit.
type claimCapture struct {
	run        *models.Run
	step       *models.Step
	story      *models.Story
	ctx        models.Context
	hasStories bool
}

// ClaimStep assigns the agent's next pending step. Single steps transition
// pending to claiming and wait for the spawn handshake. Loop steps
// transition to running and immediately delegate to the story claim, so
// the handshake is carried by the story row instead.
func (e *Engine) ClaimStep(ctx context.Context, agentID string) (*ClaimResult, error) {
	var claimed *claimCapture
	var buf eventBuf
	var post postCommit

	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		step, err := tx.PendingStepForAgent(ctx, agentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNoWork
			}
			return err
		}

		run, err := tx.GetRun(ctx, step.RunID)
		if err != nil {
			return err
		}
		if run.Status != models.RunStatusRunning {
			return ErrNoWork
		}

		if step.IsLoop() {
			if err := tx.UpdateStepStatus(ctx, step.ID, models.StepStatusRunning); err != nil {
				return err
			}
			step.Status = models.StepStatusRunning
			claimed, err = e.claimStoryLocked(ctx, tx, &buf, &post, run, step)
			return err
		}

		if err := tx.UpdateStepStatus(ctx, step.ID, models.StepStatusClaiming); err != nil {
			return err
		}
		count, err := tx.CountStoriesByRun(ctx, run.ID)
		if err != nil {
			return err
		}

		buf.add(stepEvent(events.TypeStepClaimed, run, step, ""), run.NotifyURL)
		claimed = &claimCapture{run: run, step: step, ctx: run.Context(), hasStories: count > 0}
		return nil
	})

	buf.flush(e.emitter)
	e.afterCommit(post)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, ErrNoWork
	}
	return e.claimResult(claimed), nil
}

// ClaimStory assigns the next pending story of a running loop step owned
// by the agent.
func (e *Engine) ClaimStory(ctx context.Context, agentID, loopStepID string) (*ClaimResult, error) {
	var claimed *claimCapture
	var buf eventBuf
	var post postCommit

	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		step, err := tx.GetStep(ctx, loopStepID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNoWork
			}
			return err
		}
		if step.AgentID != agentID || !step.IsLoop() || step.Status != models.StepStatusRunning {
			return ErrNoWork
		}

		run, err := tx.GetRun(ctx, step.RunID)
		if err != nil {
			return err
		}
		if run.Status != models.RunStatusRunning {
			return ErrNoWork
		}

		claimed, err = e.claimStoryLocked(ctx, tx, &buf, &post, run, step)
		return err
	})

	buf.flush(e.emitter)
	e.afterCommit(post)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, ErrNoWork
	}
	return e.claimResult(claimed), nil
}

// claimStoryLocked picks the lowest-index pending story, transitions it to
// claiming, points the loop step at it, and materialises story-scoped
// context back onto the run. When no pending story remains the loop
// resolves instead: failed stories fail the run, all-done completes the
// loop step and advances the pipeline.
func (e *Engine) claimStoryLocked(ctx context.Context, tx *store.Tx, buf *eventBuf, post *postCommit, run *models.Run, step *models.Step) (*claimCapture, error) {
	if step.CurrentStoryID != "" {
		current, err := tx.GetStory(ctx, step.CurrentStoryID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if current != nil && (current.Status == models.StoryStatusClaiming || current.Status == models.StoryStatusRunning) {
			return nil, ErrStoryAlreadyClaimed
		}
		// Stale pointer from an interrupted transition; clear and move on.
		if err := tx.SetStepCurrentStory(ctx, step.ID, ""); err != nil {
			return nil, err
		}
	}

	// A verify-each loop hands out at most one unverified story: while the
	// verify step is in flight the loop is parked.
	if cfg := step.LoopConfig(); cfg != nil && cfg.VerifyEach && cfg.VerifyStep != "" {
		verify, err := tx.StepByRunAndStepID(ctx, run.ID, cfg.VerifyStep)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if verify != nil && verifyInFlight(verify.Status) {
			return nil, ErrNoWork
		}
	}

	stories, err := tx.StoriesByRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if len(stories) == 0 {
		// Stories have not been ingested yet; nothing to claim.
		return nil, ErrNoWork
	}

	var next *models.Story
	var done, pending, failed int
	for i := range stories {
		switch stories[i].Status {
		case models.StoryStatusDone:
			done++
		case models.StoryStatusFailed:
			failed++
		case models.StoryStatusPending:
			pending++
			if next == nil {
				next = &stories[i]
			}
		}
	}

	// No pending story left: resolve the loop instead of claiming. These
	// transitions must commit, so no-work is signalled by a nil capture
	// rather than an error.
	if next == nil {
		if failed > 0 {
			if err := e.failRunLocked(ctx, tx, buf, post, run, step,
				fmt.Sprintf("%d of %d stories failed", failed, len(stories))); err != nil {
				return nil, err
			}
			return nil, nil
		}
		if _, _, err := e.finishLoopLocked(ctx, tx, buf, post, run, step); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if err := tx.UpdateStoryStatus(ctx, next.ID, models.StoryStatusClaiming); err != nil {
		return nil, err
	}
	if err := tx.SetStepCurrentStory(ctx, step.ID, next.ID); err != nil {
		return nil, err
	}
	step.CurrentStoryID = next.ID

	merged := run.Context().Clone()
	merged["current_story"] = encodeStoryContext(next)
	merged["current_story_id"] = next.StoryID
	merged["current_story_title"] = next.Title
	merged["completed_stories"] = strconv.Itoa(done)
	merged["stories_remaining"] = strconv.Itoa(pending - 1)
	if err := tx.UpdateRunContext(ctx, run.ID, merged.Encode()); err != nil {
		return nil, err
	}

	buf.add(storyEvent(events.TypeStoryClaimed, run, step, next, ""), run.NotifyURL)
	return &claimCapture{run: run, step: step, story: next, ctx: merged, hasStories: true}, nil
}

// claimResult finalises a committed claim: input resolution runs here so
// its file reads and git probes stay outside the transaction.
func (e *Engine) claimResult(claimed *claimCapture) *ClaimResult {
	result := &ClaimResult{
		RunID:      claimed.run.ID,
		WorkflowID: claimed.run.WorkflowID,
		StepRowID:  claimed.step.ID,
		StepID:     claimed.step.StepID,
		AgentID:    claimed.step.AgentID,
		Input:      e.resolveInput(claimed.step.InputTemplate, claimed.run, claimed.ctx, claimed.hasStories),
		Expects:    claimed.step.Expects,
	}
	if claimed.story != nil {
		result.IsStory = true
		result.StoryRowID = claimed.story.ID
		result.StoryID = claimed.story.StoryID
		result.StoryTitle = claimed.story.Title
	}
	return result
}

// encodeStoryContext serialises a story for {{current_story.field}}
// placeholder access.
func encodeStoryContext(story *models.Story) string {
	b, err := json.Marshal(map[string]any{
		"id":                 story.StoryID,
		"title":              story.Title,
		"description":        story.Description,
		"acceptanceCriteria": story.Criteria(),
	})
	if err != nil {
		return ""
	}
	return string(b)
}
