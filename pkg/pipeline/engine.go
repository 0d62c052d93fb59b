// Package pipeline implements the run/step/story state machine: claim,
// complete, fail, advancement, stories ingestion, and the verify-each
// sub-machine. The engine is the sole writer of run, step, and story
// statuses; every multi-row transition executes inside a single store
// transaction.
package pipeline

import (
	"log/slog"

	"github.com/antfarm-dev/antfarm/pkg/config"
	"github.com/antfarm-dev/antfarm/pkg/events"
	"github.com/antfarm-dev/antfarm/pkg/models"
	"github.com/antfarm-dev/antfarm/pkg/store"
)

// Engine drives the pipeline state machine over the store.
type Engine struct {
	store   *store.Client
	emitter *events.Emitter
	cfg     *config.Config

	// FrontendChanged reports whether a repo's branch touches frontend
	// paths relative to main. Overridable for tests; defaults to the
	// git-diff heuristic.
	FrontendChanged func(repoDir, branch string) bool

	// Teardown, when set, runs after a run reaches a terminal state via
	// completion or loop failure. Best-effort.
	Teardown func(runID string)
}

// New creates a pipeline engine.
func New(st *store.Client, emitter *events.Emitter, cfg *config.Config) *Engine {
	return &Engine{
		store:           st,
		emitter:         emitter,
		cfg:             cfg,
		FrontendChanged: gitFrontendChanged,
	}
}

// eventBuf collects events produced inside a transaction so they are only
// journaled once the transaction commits. Each event carries the notify
// URL of its run for the webhook fan-out.
type eventBuf struct {
	pending []bufferedEvent
}

type bufferedEvent struct {
	ev        events.Event
	notifyURL string
}

func (b *eventBuf) add(ev events.Event, notifyURL string) {
	b.pending = append(b.pending, bufferedEvent{ev: ev, notifyURL: notifyURL})
}

func (b *eventBuf) flush(emitter *events.Emitter) {
	for _, item := range b.pending {
		emitter.Emit(item.ev, item.notifyURL)
	}
	b.pending = nil
}

// postCommit records side effects that must not run until the enclosing
// transaction has committed: progress archival and the teardown hook.
type postCommit struct {
	completedRunID string
	failedRunID    string
}

func (e *Engine) afterCommit(p postCommit) {
	if p.completedRunID != "" {
		e.archiveProgress(p.completedRunID)
		e.runTeardown(p.completedRunID)
	}
	if p.failedRunID != "" {
		e.runTeardown(p.failedRunID)
	}
}

// runTeardown invokes the teardown hook without letting it interfere with
// pipeline state.
func (e *Engine) runTeardown(runID string) {
	if e.Teardown == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			slog.Warn("Teardown hook panicked", "run_id", runID, "panic", p)
		}
	}()
	e.Teardown(runID)
}

// stepEvent builds a step-scoped event record.
func stepEvent(t events.Type, run *models.Run, step *models.Step, detail string) events.Event {
	return events.Event{
		Event:      t,
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		StepID:     step.StepID,
		AgentID:    step.AgentID,
		Detail:     detail,
	}
}

// storyEvent builds a story-scoped event record.
func storyEvent(t events.Type, run *models.Run, step *models.Step, story *models.Story, detail string) events.Event {
	ev := stepEvent(t, run, step, detail)
	ev.StoryID = story.StoryID
	ev.StoryTitle = story.Title
	return ev
}

// runEvent builds a run-scoped event record.
func runEvent(t events.Type, run *models.Run, detail string) events.Event {
	return events.Event{
		Event:      t,
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Detail:     detail,
	}
}
