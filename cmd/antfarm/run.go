package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/antfarm-dev/antfarm/pkg/models"
	"github.com/antfarm-dev/antfarm/pkg/pipeline"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start, stop, and list workflow runs",
	}
	cmd.AddCommand(newRunStartCmd(), newRunStopCmd(), newRunListCmd())
	return cmd
}

func newRunStartCmd() *cobra.Command {
	var (
		contextPairs []string
		notifyURL    string
		scheduler    string
	)

	cmd := &cobra.Command{
		Use:   "start <workflow-id> <task...>",
		Short: "Start a run of a workflow",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			sched := models.Scheduler(scheduler)
			if !sched.IsValid() {
				return fmt.Errorf("invalid scheduler '%s' (want daemon or cron)", scheduler)
			}

			runCtx := models.Context{}
			for _, pair := range contextPairs {
				key, value, ok := strings.Cut(pair, "=")
				if !ok || key == "" {
					return fmt.Errorf("invalid context entry '%s' (want key=value)", pair)
				}
				runCtx[strings.ToLower(key)] = value
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			spec, err := a.specs.GetSpec(args[0])
			if err != nil {
				return err
			}

			run, err := a.engine.StartRun(ctx, spec, strings.Join(args[1:], " "), pipeline.StartOptions{
				Context:   runCtx,
				NotifyURL: notifyURL,
				Scheduler: sched,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Started run #%d (%s) of %s\n", run.RunNumber, run.ID, run.WorkflowID)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&contextPairs, "context", "c", nil, "seed context entry key=value (repeatable)")
	cmd.Flags().StringVar(&notifyURL, "notify-url", "", "webhook URL for run events (#auth=<token> fragment supported)")
	cmd.Flags().StringVar(&scheduler, "scheduler", string(models.SchedulerDaemon), "scheduling policy: daemon or cron")
	return cmd
}

func newRunStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.StopRun(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Stopped run %s\n", args[0])
			return nil
		},
	}
}

func newRunListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.store.ListRuns(ctx, limit)
			if err != nil {
				return err
			}

			for _, run := range runs {
				fmt.Printf("#%-4d %-36s %-10s %-12s %s\n",
					run.RunNumber, run.ID, run.Status, run.WorkflowID, run.Task)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}
