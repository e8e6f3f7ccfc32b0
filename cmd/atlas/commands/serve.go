package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atlasgw/atlas/internal/config"
	"github.com/atlasgw/atlas/internal/gateway"
	"github.com/atlasgw/atlas/internal/server"
	"github.com/atlasgw/atlas/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var port int
	var bind, preset string
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP API",
		Example: `  atlas serve
  atlas serve --preset paranoid --port 9090
  atlas serve --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}
			if preset != "" {
				cfg.Preset = preset
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := newLogger(cfg.Server.Level())

			shutdownTracing, err := telemetry.Setup(cfg.Telemetry, version)
			if err != nil {
				return err
			}
			defer func() { _ = shutdownTracing(context.Background()) }()

			// Graceful shutdown on SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			gw, err := gateway.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = gw.Close() }()

			srv, err := server.New(gw, version)
			if err != nil {
				return err
			}

			if watch {
				go func() {
					err := config.Watch(ctx, cfgFile, logger, func(next *config.Config) {
						if err := next.ApplyEnv(os.Getenv); err != nil {
							logger.Error("config reload rejected", "error", err)
							return
						}
						if preset != "" {
							next.Preset = preset
						}
						if err := gw.Reconfigure(next); err != nil {
							logger.Error("config reload rejected", "error", err)
							return
						}
						logger.Info("config reloaded", "preset", next.Preset)
					})
					if err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("config watch stopped", "error", err)
					}
				}()
			}

			printBanner(cmd, cfg, srv.Port())

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override server port")
	cmd.Flags().StringVar(&bind, "bind", "", "address to bind (default: 127.0.0.1)")
	cmd.Flags().StringVar(&preset, "preset", "", "override the security preset")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload the preset when the config file changes")
	return cmd
}

func printBanner(cmd *cobra.Command, cfg *config.Config, port int) {
	bindAddr := cfg.Server.Bind
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	out := cmd.ErrOrStderr()
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  atlas gateway")
	fmt.Fprintln(out, "  ────────────────────────────────────────")
	fmt.Fprintf(out, "  API:        http://%s:%d/v1/commands\n", bindAddr, port)
	fmt.Fprintf(out, "  Health:     http://%s:%d/health\n", bindAddr, port)
	fmt.Fprintf(out, "  Metrics:    http://%s:%d/metrics\n", bindAddr, port)
	fmt.Fprintln(out, "  ────────────────────────────────────────")
	fmt.Fprintf(out, "  Preset: %s  |  Persistence: %s\n", cfg.Preset, cfg.Persistence.Driver)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Review pending commands with: atlas approvals review")
	fmt.Fprintln(out, "  Press Ctrl+C to stop.")
	fmt.Fprintln(out)
}
