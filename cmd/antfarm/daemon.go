package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/antfarm-dev/antfarm/pkg/api"
	"github.com/antfarm-dev/antfarm/pkg/daemon"
	"github.com/antfarm-dev/antfarm/pkg/spawner"
	"github.com/antfarm-dev/antfarm/pkg/sweeper"
)

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduling daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			gateway := spawner.NewGatewayClient(a.cfg.GatewayURL)
			sp := spawner.New(a.store, a.engine, gateway)
			sw := sweeper.New(a.store, a.engine, a.specs)

			if a.cfg.HTTPAddr != "" {
				server := api.NewServer(a.cfg.HTTPAddr, a.store, a.journal, a.specs)
				go func() {
					slog.Info("Dashboard API listening", "addr", a.cfg.HTTPAddr)
					if err := server.Start(); err != nil {
						slog.Error("Dashboard API failed", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := server.Shutdown(shutdownCtx); err != nil {
						slog.Error("Dashboard API shutdown failed", "error", err)
					}
				}()
			}

			return daemon.New(a.cfg, a.store, a.specs, sp, sw).Run(ctx)
		},
	}
}
