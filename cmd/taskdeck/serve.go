package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/taskdeck/internal/logging"
)

func (c *cli) serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync loop and the local HTTP/WebSocket API",
		Long: `Run the offline core until interrupted.

The periodic sync runs while the remote is reachable; edits made while offline are
queued and replayed in order once connectivity returns.

Examples:
  taskdeck serve
  taskdeck serve --addr 127.0.0.1:9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = c.cfg.Server.Addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			a.start(ctx)
			if c.source.Watch(a.apply) {
				logging.Info("Watching config file", map[string]interface{}{"file": c.source.File()})
			}

			fmt.Fprintf(cmd.OutOrStdout(), "taskdeck %s serving on http://%s\n", Version, addr)
			if err := a.server().Run(ctx, addr); err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr)")
	return cmd
}
