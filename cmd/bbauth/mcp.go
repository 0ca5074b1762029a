package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jrsteele09/go-bitbucket-auth/server"
)

func newMCPCmd(root *rootOptions, version string) *cobra.Command {
	var callback bool
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the session tools over MCP on stdin/stdout",
		Long: `Serve the session lifecycle as MCP tools on stdin/stdout.

Expired sessions are swept in the background for as long as the server runs.
With --callback the loopback server is started as well, so that authorization
callbacks, health checks and metrics are served on the callback address.
Logs are written to stderr.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a.sessions.Start(ctx)
			defer a.sessions.Stop()
			a.flow.StartStateCleanup(ctx)

			if callback {
				srv, err := server.New(cfg, a.flow, a.sessions,
					server.WithLogger(a.logger),
					server.WithGatherer(a.registry),
					server.WithIdentityResolver(a.resolveIdentity),
					server.WithRouteOutput(cmd.ErrOrStderr()),
				)
				if err != nil {
					return err
				}
				go func() {
					if err := srv.ListenAndServe(ctx); err != nil {
						a.logger.Error().Err(err).Msg("callback server stopped")
					}
				}()
			}

			m := server.NewMCPServer(cfg.GetAppName(), version, a.flow, a.sessions,
				server.WithMCPLogger(a.logger),
				server.WithTokenRefresher(a.refresher),
				server.WithTokenRevoker(a.flow),
				server.WithMCPIdentityResolver(a.resolveIdentity),
			)
			a.logger.Info().Msg("serving MCP tools on stdio")
			return m.ServeStdio()
		},
	}
	cmd.Flags().BoolVar(&callback, "callback", false, "also serve the loopback callback, health and metrics endpoints")
	return cmd
}
