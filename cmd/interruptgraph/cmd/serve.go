package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dshills/interruptgraph/internal/app"
	"github.com/dshills/interruptgraph/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx := cmd.Context()
			a, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
					logger.Warn("shutdown", "error", cerr)
				}
			}()

			srvOpts := []server.Option{
				server.WithGatherer(a.Registry),
				server.WithHealthCheck(a.Ping),
				server.WithLogger(logger),
			}
			if a.Enrich != nil {
				srvOpts = append(srvOpts, server.WithWorkflow(workflowEnrich, a.Enrich))
			}
			srv := server.New(a.Engine, srvOpts...)
			return srv.ListenAndServe(ctx, cfg.Server.Addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
