package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antfarm-dev/antfarm/pkg/models"
	"github.com/antfarm-dev/antfarm/pkg/store"
)

// backdateStep pushes a step's updated_at into the past so age-based
// sweeps pick it up.
func backdateStep(t *testing.T, st *store.Client, stepRowID string, age time.Duration) {
	t.Helper()
	past := time.Now().UTC().Add(-age)
	_, err := st.DB().Exec(`UPDATE steps SET updated_at = ? WHERE id = ?`, past, stepRowID)
	require.NoError(t, err)
}

func backdateStory(t *testing.T, st *store.Client, storyRowID string, age time.Duration) {
	t.Helper()
	past := time.Now().UTC().Add(-age)
	_, err := st.DB().Exec(`UPDATE stories SET updated_at = ? WHERE id = ?`, past, storyRowID)
	require.NoError(t, err)
}

func TestRecoverAbandonedStepReturnsToPending(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	mustStartRun(t, e, singleStepSpec(), "task")
	claim := claimRunning(t, e, "worker")

	require.NoError(t, e.RecoverAbandonedStep(ctx, claim.StepRowID))

	step, err := st.GetStep(ctx, claim.StepRowID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPending, step.Status)
	assert.Equal(t, 1, step.AbandonedCount)
	assert.Equal(t, 0, step.RetryCount)

	sessions, err := st.SessionsByRun(ctx, step.RunID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestRecoverAbandonedStepGivesUpAtLimit(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	run := mustStartRun(t, e, singleStepSpec(), "task")

	var stepRowID string
	for i := 0; i < AbandonedStepLimit; i++ {
		claim := claimRunning(t, e, "worker")
		stepRowID = claim.StepRowID
		require.NoError(t, e.RecoverAbandonedStep(ctx, stepRowID))
	}

	step, err := st.GetStep(ctx, stepRowID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailed, step.Status)
	assert.Equal(t, AbandonedStepLimit, step.AbandonedCount)

	finished, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, finished.Status)
}

func TestRecoverAbandonedStepIgnoresNonRunning(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	run := mustStartRun(t, e, singleStepSpec(), "task")
	steps, err := st.StepsByRun(ctx, run.ID)
	require.NoError(t, err)

	// Pending step: untouched.
	require.NoError(t, e.RecoverAbandonedStep(ctx, steps[0].ID))
	step, err := st.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPending, step.Status)
	assert.Zero(t, step.AbandonedCount)

	// Unknown row id: no-op, no error.
	require.NoError(t, e.RecoverAbandonedStep(ctx, "no-such-step"))
}

func TestRecoverAbandonedLoopStepRetriesStory(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	run := mustStartRun(t, e, testSpec(), "task")
	plan := claimRunning(t, e, "planner")
	_, err := e.CompleteStep(ctx, plan.StepRowID, twoStoriesOutput)
	require.NoError(t, err)

	dev := claimRunning(t, e, "dev")
	require.NoError(t, e.RecoverAbandonedStep(ctx, dev.StepRowID))

	story, err := st.GetStory(ctx, dev.StoryRowID)
	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusPending, story.Status)
	assert.Equal(t, 1, story.RetryCount)

	step, err := st.GetStep(ctx, dev.StepRowID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPending, step.Status)
	assert.Empty(t, step.CurrentStoryID)

	// The abandoned story is the next claim.
	again := claimRunning(t, e, "dev")
	assert.Equal(t, dev.StoryRowID, again.StoryRowID)
	_ = run
}

func TestRecoverAbandonedLoopStepSkipsWhileVerifying(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	run := mustStartRun(t, e, testSpec(), "task")
	plan := claimRunning(t, e, "planner")
	_, err := e.CompleteStep(ctx, plan.StepRowID, twoStoriesOutput)
	require.NoError(t, err)

	dev := claimRunning(t, e, "dev")
	_, err = e.CompleteStep(ctx, dev.StepRowID, "BRANCH: story-1")
	require.NoError(t, err)

	// Loop step is running with no current story; verify step is pending.
	require.NoError(t, e.RecoverAbandonedStep(ctx, dev.StepRowID))

	step, err := st.GetStep(ctx, dev.StepRowID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusRunning, step.Status)

	verify, err := st.StepByRunAndStepID(ctx, run.ID, "verify")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPending, verify.Status)
}

func TestResetAbandonedStories(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	run := mustStartRun(t, e, testSpec(), "task")
	plan := claimRunning(t, e, "planner")
	_, err := e.CompleteStep(ctx, plan.StepRowID, twoStoriesOutput)
	require.NoError(t, err)

	dev := claimRunning(t, e, "dev")

	// Simulate a crash that left the story running but detached its owner.
	_, err = st.DB().Exec(`UPDATE steps SET status = ?, current_story_id = '' WHERE id = ?`,
		models.StepStatusPending, dev.StepRowID)
	require.NoError(t, err)

	reset, err := e.ResetAbandonedStories(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	story, err := st.GetStory(ctx, dev.StoryRowID)
	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusPending, story.Status)
	assert.Equal(t, 0, story.RetryCount)
	_ = run
}

func TestRollbackStaleClaims(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	mustStartRun(t, e, testSpec(), "task")
	claim, err := e.ClaimStep(ctx, "planner")
	require.NoError(t, err)

	// A fresh claim is left alone.
	rolledBack, err := e.RollbackStaleClaims(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, rolledBack)

	backdateStep(t, st, claim.StepRowID, 10*time.Minute)

	rolledBack, err = e.RollbackStaleClaims(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, rolledBack)

	step, err := st.GetStep(ctx, claim.StepRowID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPending, step.Status)
	assert.Equal(t, 1, step.RetryCount)
}

func TestRollbackStaleStoryClaims(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	mustStartRun(t, e, testSpec(), "task")
	plan := claimRunning(t, e, "planner")
	_, err := e.CompleteStep(ctx, plan.StepRowID, twoStoriesOutput)
	require.NoError(t, err)

	// Claim a story but never confirm the spawn.
	dev, err := e.ClaimStep(ctx, "dev")
	require.NoError(t, err)
	require.True(t, dev.IsStory)

	backdateStory(t, st, dev.StoryRowID, 10*time.Minute)

	rolledBack, err := e.RollbackStaleClaims(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, rolledBack)

	story, err := st.GetStory(ctx, dev.StoryRowID)
	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusPending, story.Status)
	assert.Equal(t, 1, story.RetryCount)

	step, err := st.GetStep(ctx, dev.StepRowID)
	require.NoError(t, err)
	assert.Empty(t, step.CurrentStoryID)
}

func TestGCSessionsPrunesDeadWorkers(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	run := mustStartRun(t, e, testSpec(), "task")
	claim := claimRunning(t, e, "planner")

	// In-flight step with a fresh session: kept.
	removed, err := e.GCSessions(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)

	// Old session: pruned even while the step still runs.
	past := time.Now().UTC().Add(-2 * time.Hour)
	_, err = st.DB().Exec(`UPDATE active_sessions SET spawned_at = ? WHERE step_id = ?`,
		past, claim.StepRowID)
	require.NoError(t, err)

	removed, err = e.GCSessions(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	sessions, err := st.SessionsByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestGCSessionsPrunesTerminalSteps(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	run := mustStartRun(t, e, singleStepSpec(), "task")
	claim := claimRunning(t, e, "worker")

	// Mark the step done behind the session's back.
	_, err := st.DB().Exec(`UPDATE steps SET status = ? WHERE id = ?`,
		models.StepStatusDone, claim.StepRowID)
	require.NoError(t, err)

	removed, err := e.GCSessions(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_ = run
}

func TestAdvanceStuckRuns(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	run := mustStartRun(t, e, testSpec(), "task")

	// Hand-craft a run parked behind a finished loop: plan and implement
	// done, verify done, announce still waiting.
	for _, stepID := range []string{"plan", "implement", "verify"} {
		step, err := st.StepByRunAndStepID(ctx, run.ID, stepID)
		require.NoError(t, err)
		_, err = st.DB().Exec(`UPDATE steps SET status = ? WHERE id = ?`, models.StepStatusDone, step.ID)
		require.NoError(t, err)
	}

	advanced, err := e.AdvanceStuckRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, advanced)

	announce, err := st.StepByRunAndStepID(ctx, run.ID, "announce")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPending, announce.Status)

	// Converged: a second pass finds nothing.
	advanced, err = e.AdvanceStuckRuns(ctx)
	require.NoError(t, err)
	assert.Zero(t, advanced)
}
