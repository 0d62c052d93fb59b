package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/antfarm-dev/antfarm/pkg/events"
)

func newEventsCmd() *cobra.Command {
	var (
		runID string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent journal events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var evs []events.Event
			if runID != "" {
				evs, err = a.journal.ByRun(runID, limit)
			} else {
				evs, err = a.journal.Recent(limit)
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			for _, ev := range evs {
				if err := enc.Encode(ev); err != nil {
					return fmt.Errorf("failed to encode event: %w", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "filter to a run id (prefix match)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to show")
	return cmd
}
