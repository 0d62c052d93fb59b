// Package daemon runs the scheduling loop: every tick it enumerates the
// daemon-scheduled workflows with running runs and offers each declared
// agent a chance to claim and spawn. Sweeps and session GC run on their
// own timers.
package daemon

import (
	"context"
	"log/slog"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antfarm-dev/antfarm/pkg/config"
	"github.com/antfarm-dev/antfarm/pkg/models"
	"github.com/antfarm-dev/antfarm/pkg/spawner"
	"github.com/antfarm-dev/antfarm/pkg/store"
	"github.com/antfarm-dev/antfarm/pkg/sweeper"
	"github.com/antfarm-dev/antfarm/pkg/workflow"
)

// Daemon is the singleton scheduling process.
type Daemon struct {
	cfg     *config.Config
	store   *store.Client
	specs   *workflow.Cache
	spawner *spawner.Spawner
	sweeper *sweeper.Sweeper

	// ticking guards against overlapping ticks: a tick fired while the
	// previous one is still spawning is skipped, not queued.
	ticking atomic.Bool
}

// New creates a daemon.
func New(cfg *config.Config, st *store.Client, specs *workflow.Cache, sp *spawner.Spawner, sw *sweeper.Sweeper) *Daemon {
	return &Daemon{cfg: cfg, store: st, specs: specs, spawner: sp, sweeper: sw}
}

// Run acquires the PID file and drives the timers until SIGTERM, SIGINT,
// or context cancellation. Shutdown is graceful: no new spawns start after
// the signal, and the PID file is removed best-effort.
func (d *Daemon) Run(ctx context.Context) error {
	if err := acquirePIDFile(d.cfg.PIDFilePath()); err != nil {
		return err
	}
	defer releasePIDFile(d.cfg.PIDFilePath())

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	slog.Info("Daemon started",
		"tick_interval", d.cfg.TickInterval,
		"sweep_interval", d.cfg.SweepInterval,
		"allow_list", d.cfg.WorkflowAllowList)

	tick := time.NewTicker(d.cfg.TickInterval)
	defer tick.Stop()
	sweep := time.NewTicker(d.cfg.SweepInterval)
	defer sweep.Stop()
	gc := time.NewTicker(d.cfg.SessionGCInterval)
	defer gc.Stop()

	// First tick immediately so a restart picks work up without waiting a
	// full interval.
	go d.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Daemon shutting down")
			return nil
		case <-tick.C:
			go d.tick(ctx)
		case <-sweep.C:
			if err := d.sweeper.SweepClaims(ctx); err != nil {
				slog.Error("Stale-claim sweep failed", "error", err)
			}
			if err := d.sweeper.Sweep(ctx); err != nil {
				slog.Error("Recovery sweep failed", "error", err)
			}
		case <-gc.C:
			if err := d.sweeper.GCSessions(ctx); err != nil {
				slog.Error("Session GC failed", "error", err)
			}
		}
	}
}

// tick runs one scheduling pass. Re-entrant calls are skipped while a
// previous pass is still in flight.
func (d *Daemon) tick(ctx context.Context) {
	if !d.ticking.CompareAndSwap(false, true) {
		slog.Debug("Skipping overlapping tick")
		return
	}
	defer d.ticking.Store(false)

	if ctx.Err() != nil {
		return
	}

	// Inline recovery on the main cadence; the sweeper's own throttle
	// keeps this cheap.
	if err := d.sweeper.Sweep(ctx); err != nil {
		slog.Error("Recovery sweep failed", "error", err)
	}

	workflowIDs, err := d.store.DistinctDaemonWorkflowIDs(ctx)
	if err != nil {
		slog.Error("Failed to enumerate daemon workflows", "error", err)
		return
	}

	for _, workflowID := range workflowIDs {
		if ctx.Err() != nil {
			return
		}
		if !d.cfg.WorkflowAllowed(workflowID) {
			slog.Debug("Workflow not in allow-list, skipping", "workflow_id", workflowID)
			continue
		}

		spec, err := d.specs.GetSpec(workflowID)
		if err != nil {
			slog.Error("Failed to load workflow definition",
				"workflow_id", workflowID, "error", err)
			continue
		}

		d.spawnForWorkflow(ctx, spec)
	}
}

// spawnForWorkflow offers every agent of a workflow a spawn opportunity,
// bounded by the configured per-workflow parallelism.
func (d *Daemon) spawnForWorkflow(ctx context.Context, spec *workflow.Spec) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.SpawnParallelism)

	for i := range spec.Agents {
		agent := &spec.Agents[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			result, err := d.spawner.PeekAndSpawn(gctx, agent.ID, spec, models.SpawnSourceDaemon)
			if err != nil {
				slog.Warn("Spawn attempt failed",
					"workflow_id", spec.ID, "agent_id", agent.ID, "error", err)
				return nil
			}
			if !result.Spawned && result.Reason != "no_work" {
				slog.Debug("No spawn", "workflow_id", spec.ID, "agent_id", agent.ID, "reason", result.Reason)
			}
			return nil
		})
	}
	_ = g.Wait()
}
