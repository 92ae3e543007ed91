// Command taskdeck runs the offline-first task and chat core: a local cache, a durable
// sync queue and the reconciliation loop, served to local UIs over HTTP and WebSocket.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/taskdeck/internal/config"
	"github.com/kimhsiao/taskdeck/internal/logging"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries state shared by every subcommand.
type cli struct {
	configPath string
	source     *config.Source
	cfg        *config.Config
	logCloser  io.Closer
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "taskdeck",
		Short:         "taskdeck - offline-first tasks and chat",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logCloser != nil {
				c.logCloser.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default: ./taskdeck.yaml, then $HOME/.taskdeck/taskdeck.yaml)")

	root.AddCommand(c.serveCmd())
	root.AddCommand(c.syncCmd())
	root.AddCommand(c.statusCmd())
	root.AddCommand(c.queueCmd())
	root.AddCommand(c.migrateCmd())
	root.AddCommand(c.configCmd())

	return root
}

func (c *cli) load() error {
	source, err := config.Open(c.configPath)
	if err != nil {
		return err
	}
	cfg, err := source.Config()
	if err != nil {
		return err
	}

	closer, err := logging.Setup(cfg.LogOptions())
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	c.source = source
	c.cfg = cfg
	c.logCloser = closer
	return nil
}
