package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// maxOutputBytes caps how much worker output `step complete` accepts.
const maxOutputBytes = 4 << 20

func newStepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step",
		Short: "Worker completion protocol",
	}
	cmd.AddCommand(newStepCompleteCmd(), newStepFailCmd())
	return cmd
}

func newStepCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <step-id>",
		Short: "Report a step's successful output (read from standard input)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			output, err := io.ReadAll(io.LimitReader(os.Stdin, maxOutputBytes))
			if err != nil {
				return fmt.Errorf("failed to read output from stdin: %w", err)
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.engine.CompleteStep(ctx, args[0], string(output))
			if err != nil {
				return err
			}

			switch {
			case result.RunCompleted:
				fmt.Println("Step done; run completed")
			case result.Advanced:
				fmt.Println("Step done; pipeline advanced")
			default:
				fmt.Println("Step done")
			}
			return nil
		},
	}
}

func newStepFailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fail <step-id> <reason>",
		Short: "Report a step failure",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.engine.FailStep(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			switch {
			case result.RunFailed:
				fmt.Println("Step failed; run failed")
			case result.Retrying:
				fmt.Println("Step failed; will retry")
			default:
				fmt.Println("Step failure recorded")
			}
			return nil
		},
	}
}
