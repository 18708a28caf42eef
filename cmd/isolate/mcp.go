package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/isolate/config"
	"github.com/isdmx/isolate/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve capability inspection and dry-run planning over MCP",
	Long: `Mcp starts a Model Context Protocol server that describes capability files
and plans isolation contexts. Plans are always computed in dry-run mode, so
the server never changes the host. The transport comes from server.transport.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		app := fx.New(
			core,
			fx.Provide(func(cfg *config.Config, log *zap.Logger) (*mcpserver.MCPServer, error) {
				return mcpserver.New(cfg, log)
			}),
			fx.Invoke(serveMCP),
		)
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

// serveMCP starts the configured transport once the app is running and
// shuts the app down when the transport returns.
func serveMCP(lc fx.Lifecycle, sd fx.Shutdowner, cfg *config.Config, log *zap.Logger, srv *mcpserver.MCPServer) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			serve := srv.ServeStdio
			if cfg.Server.Transport == "http" {
				serve = srv.ServeHTTP
			}
			go func() {
				if err := serve(); err != nil {
					log.Error("mcp transport stopped", zap.String("transport", cfg.Server.Transport), zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
					return
				}
				_ = sd.Shutdown()
			}()
			return nil
		},
	})
}
