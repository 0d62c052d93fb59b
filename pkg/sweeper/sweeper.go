// Package sweeper recovers work lost to dead workers: abandoned running
// steps and stories, pipelines parked behind a finished loop, stale
// claims, and leftover active sessions. All state transitions are
// delegated to the pipeline engine; the sweeper only decides what
// qualifies and when.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/antfarm-dev/antfarm/pkg/models"
	"github.com/antfarm-dev/antfarm/pkg/pipeline"
	"github.com/antfarm-dev/antfarm/pkg/store"
	"github.com/antfarm-dev/antfarm/pkg/workflow"
)

const (
	// FullSweepThrottle bounds how often the full abandonment sweep runs,
	// across all callers. The daemon invokes it every tick and on every
	// claim; the throttle makes that cheap.
	FullSweepThrottle = 5 * time.Minute

	// AbandonGrace is added to each agent's timeout before a running step
	// counts as abandoned.
	AbandonGrace = 5 * time.Minute

	// StaleClaimAge is how long a step or story may sit in claiming before
	// the claim is revoked.
	StaleClaimAge = 5 * time.Minute

	// SessionMaxAge is the age past which an active session is pruned
	// regardless of its step's state.
	SessionMaxAge = time.Hour
)

// Sweeper runs the recovery passes.
type Sweeper struct {
	store  *store.Client
	engine *pipeline.Engine
	specs  *workflow.Cache

	mu            sync.Mutex
	lastFullSweep time.Time
}

// New creates a sweeper.
func New(st *store.Client, engine *pipeline.Engine, specs *workflow.Cache) *Sweeper {
	return &Sweeper{store: st, engine: engine, specs: specs}
}

// Sweep runs the full recovery: abandoned running steps, orphaned running
// stories, and stuck pipelines. Throttled to once per FullSweepThrottle;
// throttled calls return immediately.
func (s *Sweeper) Sweep(ctx context.Context) error {
	s.mu.Lock()
	if time.Since(s.lastFullSweep) < FullSweepThrottle {
		s.mu.Unlock()
		return nil
	}
	s.lastFullSweep = time.Now()
	s.mu.Unlock()

	start := time.Now()
	recovered, err := s.recoverAbandonedSteps(ctx)
	if err != nil {
		return err
	}

	storiesReset, err := s.engine.ResetAbandonedStories(ctx)
	if err != nil {
		return err
	}

	advanced, err := s.engine.AdvanceStuckRuns(ctx)
	if err != nil {
		return err
	}

	if recovered > 0 || storiesReset > 0 || advanced > 0 {
		slog.Info("Recovery sweep finished",
			"steps_recovered", recovered,
			"stories_reset", storiesReset,
			"runs_advanced", advanced,
			"duration", time.Since(start).Round(time.Millisecond))
	}
	return nil
}

// recoverAbandonedSteps finds running steps idle past their workflow's
// largest agent timeout plus grace and hands each to the engine.
func (s *Sweeper) recoverAbandonedSteps(ctx context.Context) (int, error) {
	// The query's cutoff uses the smallest possible window; each candidate
	// is then checked against its own workflow's timeout.
	cutoff := time.Now().UTC().Add(-AbandonGrace)
	steps, err := s.store.StepsInStatusOlderThan(ctx, models.StepStatusRunning, cutoff)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range steps {
		step := &steps[i]
		run, err := s.store.GetRun(ctx, step.RunID)
		if err != nil {
			slog.Warn("Skipping abandoned-step candidate", "step", step.StepID, "error", err)
			continue
		}

		deadline := s.timeoutFor(run.WorkflowID) + AbandonGrace
		if time.Since(step.UpdatedAt) < deadline {
			continue
		}

		slog.Warn("Recovering abandoned step",
			"run_id", run.ID, "step_id", step.StepID, "agent_id", step.AgentID,
			"idle", time.Since(step.UpdatedAt).Round(time.Second))
		if err := s.engine.RecoverAbandonedStep(ctx, step.ID); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// timeoutFor resolves the largest agent timeout of a workflow, falling
// back to the built-in default when the spec cannot be loaded.
func (s *Sweeper) timeoutFor(workflowID string) time.Duration {
	spec, err := s.specs.GetSpec(workflowID)
	if err != nil {
		slog.Warn("Using default timeout for unresolvable workflow",
			"workflow_id", workflowID, "error", err)
		return time.Duration(workflow.DefaultTimeoutSeconds) * time.Second
	}
	return time.Duration(spec.MaxTimeoutSeconds()) * time.Second
}

// SweepClaims revokes steps and stories stuck in claiming for longer than
// StaleClaimAge. Runs on its own faster cadence, unthrottled.
func (s *Sweeper) SweepClaims(ctx context.Context) error {
	rolledBack, err := s.engine.RollbackStaleClaims(ctx, StaleClaimAge)
	if err != nil {
		return err
	}
	if rolledBack > 0 {
		slog.Info("Revoked stale claims", "count", rolledBack)
	}
	return nil
}

// GCSessions prunes stale active-session rows.
func (s *Sweeper) GCSessions(ctx context.Context) error {
	removed, err := s.engine.GCSessions(ctx, SessionMaxAge)
	if err != nil {
		return err
	}
	if removed > 0 {
		slog.Info("Pruned stale sessions", "count", removed)
	}
	return nil
}
