// Package events provides the append-only event journal and the
// best-effort webhook fan-out. Emission never propagates errors into
// pipeline callers.
package events

import "time"

// Type enumerates the journal event types.
type Type string

const (
	TypeRunStarted   Type = "run.started"
	TypeRunCompleted Type = "run.completed"
	TypeRunFailed    Type = "run.failed"
	TypeRunCancelled Type = "run.cancelled"

	TypeStepPending  Type = "step.pending"
	TypeStepClaimed  Type = "step.claimed"
	TypeStepRunning  Type = "step.running"
	TypeStepDone     Type = "step.done"
	TypeStepFailed   Type = "step.failed"
	TypeStepTimeout  Type = "step.timeout"
	TypeStepRollback Type = "step.rollback"

	TypeStoryClaimed  Type = "story.claimed"
	TypeStoryStarted  Type = "story.started"
	TypeStoryDone     Type = "story.done"
	TypeStoryVerified Type = "story.verified"
	TypeStoryRetry    Type = "story.retry"
	TypeStoryFailed   Type = "story.failed"
	TypeStoryRollback Type = "story.rollback"

	TypePipelineAdvanced Type = "pipeline.advanced"
)

// Event is one journal record. Events are append-only; the journal file is
// rotated when it exceeds the size cap.
type Event struct {
	TS         time.Time `json:"ts"`
	Event      Type      `json:"event"`
	RunID      string    `json:"run_id"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	StepID     string    `json:"step_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	StoryID    string    `json:"story_id,omitempty"`
	StoryTitle string    `json:"story_title,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}
