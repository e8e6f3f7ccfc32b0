package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atlasgw/atlas/internal/gateway"
	mcpserver "github.com/atlasgw/atlas/internal/mcp"
	"github.com/atlasgw/atlas/internal/server"
)

func newMCPCmd() *cobra.Command {
	var noAPI bool

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start atlas as an MCP server (stdio)",
		Long: `Exposes the gateway as an MCP tool server. Add to your MCP client config:

  {
    "mcpServers": {
      "atlas": {
        "command": "atlas",
        "args": ["mcp", "--config", "./atlas.yaml"]
      }
    }
  }

Tools: classify_command, sanitize_input, validate_output, submit_command,
list_pending, get_approval, approval_history

The approval queue lives in this process, so the HTTP API is served
alongside stdio for reviewers ('atlas approvals review --server ...').`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// stdout carries the protocol; keep logs on stderr and quiet.
			logger := newLogger(max(cfg.Server.Level(), slog.LevelError))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			gw, err := gateway.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = gw.Close() }()

			if !noAPI {
				srv, err := server.New(gw, version)
				if err != nil {
					return err
				}
				go func() {
					if err := srv.Start(); err != nil {
						logger.Error("review api stopped", "error", err)
					}
				}()
				defer func() { _ = srv.Shutdown(context.Background()) }()
				fmt.Fprintf(cmd.ErrOrStderr(), "atlas: review API on http://%s\n", srv.Addr())
			}

			return mcpserver.Serve(ctx, mcpserver.NewServer(gw, version))
		},
	}

	cmd.Flags().BoolVar(&noAPI, "no-api", false, "do not serve the HTTP API for reviewers")
	return cmd
}
