package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/opflow/pkg/mcp"
)

func newMCPCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the flow.* tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// stdout carries the protocol; logs go to stderr.
			logger := newLogger(cfg)
			a, err := newApp(ctx, cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			srv := mcp.NewServer(mcp.ServerDeps{
				Sessions: a.engine,
				Events:   a.store,
				Catalog:  a.catalog,
				Hub:      a.hub,
				Logger:   logger,
				Version:  version,
			})
			err = srv.Serve(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}
