package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/antfarm-dev/antfarm/pkg/events"
	"github.com/antfarm-dev/antfarm/pkg/models"
	"github.com/antfarm-dev/antfarm/pkg/store"
	"github.com/antfarm-dev/antfarm/pkg/workflow"
)

// StartOptions are the caller-supplied extras for a new run.
type StartOptions struct {
	Context   models.Context
	NotifyURL string
	Scheduler models.Scheduler
}

// StartRun materialises a workflow definition into a run with one step row
// per declared step. Step 0 starts pending; everything else waits its
// turn.
func (e *Engine) StartRun(ctx context.Context, spec *workflow.Spec, task string, opts StartOptions) (*models.Run, error) {
	runCtx := models.Context{"task": task}
	runCtx.Merge(opts.Context)

	run := &models.Run{
		ID:         uuid.NewString(),
		WorkflowID: spec.ID,
		Task:       task,
		Status:     models.RunStatusRunning,
		ContextRaw: runCtx.Encode(),
		NotifyURL:  opts.NotifyURL,
		Scheduler:  opts.Scheduler,
	}

	var buf eventBuf
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.CreateRun(ctx, run); err != nil {
			return err
		}

		for i := range spec.Steps {
			decl := &spec.Steps[i]
			stepType := decl.Type
			if stepType == "" {
				stepType = models.StepTypeSingle
			}
			status := models.StepStatusWaiting
			if i == 0 {
				status = models.StepStatusPending
			}

			var loopRaw string
			if decl.Loop != nil {
				b, err := json.Marshal(decl.Loop)
				if err != nil {
					return fmt.Errorf("failed to encode loop config for step %s: %w", decl.ID, err)
				}
				loopRaw = string(b)
			}

			step := &models.Step{
				ID:            uuid.NewString(),
				RunID:         run.ID,
				StepID:        decl.ID,
				AgentID:       decl.Agent,
				StepIndex:     i,
				InputTemplate: decl.Input,
				Expects:       decl.Expects,
				Type:          stepType,
				LoopConfigRaw: loopRaw,
				MaxRetries:    spec.RetriesFor(decl),
				Status:        status,
			}
			if err := tx.CreateStep(ctx, step); err != nil {
				return err
			}
			if i == 0 {
				buf.add(stepEvent(events.TypeStepPending, run, step, ""), run.NotifyURL)
			}
		}

		buf.add(runEvent(events.TypeRunStarted, run, task), run.NotifyURL)
		return nil
	})

	buf.flush(e.emitter)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// StopRun cancels a run: the run becomes cancelled and every non-terminal
// step fails with a cancellation marker. In-flight workers are not killed;
// their completion callbacks bounce off the terminal-run guard. Stopping
// an already-terminal run is a no-op.
func (e *Engine) StopRun(ctx context.Context, runID string) error {
	var buf eventBuf

	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		run, err := tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			return nil
		}

		steps, err := tx.StepsByRun(ctx, runID)
		if err != nil {
			return err
		}
		for i := range steps {
			step := &steps[i]
			if step.Status.IsTerminal() {
				continue
			}
			if err := tx.UpdateStepStatusOutput(ctx, step.ID, models.StepStatusFailed, "Cancelled by user"); err != nil {
				return err
			}
			if err := tx.DeleteSessionsByStep(ctx, step.ID); err != nil {
				return err
			}
		}

		if err := tx.UpdateRunStatus(ctx, runID, models.RunStatusCancelled); err != nil {
			return err
		}
		run.Status = models.RunStatusCancelled
		buf.add(runEvent(events.TypeRunCancelled, run, "Cancelled by user"), run.NotifyURL)
		return nil
	})

	buf.flush(e.emitter)
	return err
}
