package pipeline

import "errors"

// Sentinel errors for claim operations.
var (
	// ErrNoWork indicates no claimable step or story exists for the agent.
	ErrNoWork = errors.New("no work available")

	// ErrStoryAlreadyClaimed indicates the loop step's current story is
	// still being worked.
	ErrStoryAlreadyClaimed = errors.New("story already claimed")

	// ErrStaleClaim indicates a spawn confirmation arrived after the
	// claimed row had already left the claiming state.
	ErrStaleClaim = errors.New("claim is no longer held")
)

// ClaimResult describes claimed work with its resolved input.
type ClaimResult struct {
	RunID      string
	WorkflowID string

	// StepRowID is the step's database id — the id workers report back
	// with through `step complete` / `step fail`.
	StepRowID string
	// StepID is the human step name from the workflow definition.
	StepID  string
	AgentID string

	// Story fields are set when the claim is a story inside a loop step.
	IsStory    bool
	StoryRowID string
	StoryID    string
	StoryTitle string

	// Input is the step's input template with all placeholders resolved.
	Input string
	// Expects names the output keys the step's definition asks for.
	Expects string
}

// CompleteResult reports what a completion caused.
type CompleteResult struct {
	Advanced     bool `json:"advanced"`
	RunCompleted bool `json:"run_completed"`
}

// FailResult reports what a failure caused.
type FailResult struct {
	Retrying  bool `json:"retrying"`
	RunFailed bool `json:"run_failed"`
}
