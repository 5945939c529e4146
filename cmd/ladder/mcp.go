package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/ladder/pkg/logging"
	"github.com/pario-ai/ladder/pkg/mcp"
)

func newMCPCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the router as an MCP stdio server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			cm, err := a.contract()
			if err != nil {
				return configErr(err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			opts := mcp.Options{
				Tracker:  a.tracker,
				Budget:   a.budget,
				Contract: cm,
				Signals:  a.signals,
				Version:  version,
				Log:      logging.WithComponent("mcp"),
			}
			if a.cache != nil {
				opts.Cache = a.cache
			}
			return mcp.New(a.engine, opts).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
