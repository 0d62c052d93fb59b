package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextCloneIsIndependent(t *testing.T) {
	orig := Context{"task": "build", "branch": "main"}
	clone := orig.Clone()
	clone["branch"] = "feature"

	assert.Equal(t, "main", orig["branch"])
	assert.Equal(t, "feature", clone["branch"])
}

func TestContextMergeOverwrites(t *testing.T) {
	c := Context{"task": "build", "summary": "old"}
	c.Merge(Context{"summary": "new", "branch": "feat"})

	assert.Equal(t, Context{"task": "build", "summary": "new", "branch": "feat"}, c)
}

func TestContextEncodeDecodeRoundTrip(t *testing.T) {
	c := Context{"task": "build", "notes": "line one\nline two"}

	got := DecodeContext(c.Encode())
	assert.Equal(t, c, got)
}

func TestDecodeContextTolerant(t *testing.T) {
	assert.Equal(t, Context{}, DecodeContext(""))
	assert.Equal(t, Context{}, DecodeContext("not json"))
	assert.Equal(t, Context{}, DecodeContext("null"))
}

func TestEncodeEmptyContext(t *testing.T) {
	assert.Equal(t, "{}", Context{}.Encode())
	assert.Equal(t, "{}", Context(nil).Encode())
}

func TestStatusTerminality(t *testing.T) {
	assert.False(t, RunStatusRunning.IsTerminal())
	assert.True(t, RunStatusCompleted.IsTerminal())
	assert.True(t, RunStatusFailed.IsTerminal())
	assert.True(t, RunStatusCancelled.IsTerminal())

	assert.False(t, StepStatusWaiting.IsTerminal())
	assert.False(t, StepStatusClaiming.IsTerminal())
	assert.True(t, StepStatusDone.IsTerminal())
	assert.True(t, StepStatusFailed.IsTerminal())

	assert.False(t, StoryStatusPending.IsTerminal())
	assert.True(t, StoryStatusDone.IsTerminal())
}

func TestStepLoopConfigDecoding(t *testing.T) {
	step := &Step{Type: StepTypeLoop, LoopConfigRaw: `{"verifyEach":true,"verifyStep":"verify"}`}
	cfg := step.LoopConfig()
	assert.NotNil(t, cfg)
	assert.True(t, cfg.VerifyEach)
	assert.Equal(t, "verify", cfg.VerifyStep)

	assert.Nil(t, (&Step{Type: StepTypeSingle}).LoopConfig())
	assert.Nil(t, (&Step{LoopConfigRaw: "corrupt"}).LoopConfig())
}

func TestStoryCriteria(t *testing.T) {
	s := &Story{AcceptanceCriteria: EncodeCriteria([]string{"a", "b"})}
	assert.Equal(t, []string{"a", "b"}, s.Criteria())

	assert.Nil(t, (&Story{}).Criteria())
	assert.Nil(t, (&Story{AcceptanceCriteria: "corrupt"}).Criteria())
	assert.Equal(t, "[]", EncodeCriteria(nil))
}

func TestSchedulerValidity(t *testing.T) {
	assert.True(t, Scheduler("").IsValid())
	assert.True(t, SchedulerCron.IsValid())
	assert.True(t, SchedulerDaemon.IsValid())
	assert.False(t, Scheduler("hourly").IsValid())
}
