// Antfarm orchestrates multi-agent workflow runs: a daemon schedules and
// spawns workers, workers report back through the step subcommands, and
// everything persists in a single SQLite state directory.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/antfarm-dev/antfarm/pkg/config"
	"github.com/antfarm-dev/antfarm/pkg/events"
	"github.com/antfarm-dev/antfarm/pkg/pipeline"
	"github.com/antfarm-dev/antfarm/pkg/store"
	"github.com/antfarm-dev/antfarm/pkg/version"
	"github.com/antfarm-dev/antfarm/pkg/workflow"
)

func main() {
	root := &cobra.Command{
		Use:           "antfarm",
		Short:         "Multi-agent workflow orchestrator",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newDaemonCmd(),
		newRunCmd(),
		newStepCmd(),
		newEventsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app bundles the wired components shared by every subcommand.
type app struct {
	cfg     *config.Config
	store   *store.Client
	journal *events.Journal
	emitter *events.Emitter
	specs   *workflow.Cache
	engine  *pipeline.Engine
}

// openApp loads configuration and opens the store. A .env file in the
// working directory is honoured when present.
func openApp(ctx context.Context) (*app, error) {
	if err := godotenv.Load(); err == nil {
		slog.Debug("Loaded environment from .env")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	st, err := store.Open(ctx, store.DefaultConfig(cfg.StateDir))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	journal := events.NewJournal(cfg.JournalPath())
	emitter := events.NewEmitter(journal, events.NewNotifier())
	specs := workflow.NewCache(cfg.WorkflowDir, cfg.SpecCacheTTL)

	return &app{
		cfg:     cfg,
		store:   st,
		journal: journal,
		emitter: emitter,
		specs:   specs,
		engine:  pipeline.New(st, emitter, cfg),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Error("Error closing store", "error", err)
	}
}
