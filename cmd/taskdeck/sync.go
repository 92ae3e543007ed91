package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/taskdeck/internal/models"
)

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Probe the remote and run one full sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), c.cfg.Sync.Timeout)
			defer cancel()

			a, err := openApp(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			a.monitor.Probe(ctx)
			result, err := a.manager.SyncNow(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Sync completed")
			fmt.Fprintf(out, "  Pulled:        %d\n", result.Pulled)
			fmt.Fprintf(out, "  Sent:          %d\n", result.Sent)
			fmt.Fprintf(out, "  Dead-lettered: %d\n", result.DeadLettered)
			fmt.Fprintf(out, "  Duration:      %s\n", result.Duration)
			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and cache status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			l, err := openLocal(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer l.Close()

			pending, err := l.queue.Len(ctx)
			if err != nil {
				return err
			}
			letters, err := l.queue.DeadLetterCount(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "taskdeck Status")
			fmt.Fprintln(out, strings.Repeat("=", 40))
			fmt.Fprintf(out, "  Backend:       %s\n", c.cfg.Store.Backend)
			fmt.Fprintf(out, "  Remote:        %s\n", valueOrDefault(c.cfg.Remote.URL, "not configured"))
			fmt.Fprintf(out, "  Pending ops:   %d\n", pending)
			fmt.Fprintf(out, "  Dead letters:  %d\n", letters)
			return printUnsynced(ctx, out, l)
		},
	}
}

// printUnsynced lists per type how many cached records still await confirmation,
// with the age of the oldest.
func printUnsynced(ctx context.Context, out io.Writer, l *local) error {
	fmt.Fprintln(out, "\nUnsynced entities:")
	for _, typ := range models.EntityTypes {
		entities, err := l.store.GetAll(ctx, typ)
		if err != nil {
			return err
		}

		n := 0
		var oldest time.Time
		for _, e := range entities {
			if !e.Unsynced {
				continue
			}
			n++
			if at := e.UpdatedAtTime(); oldest.IsZero() || at.Before(oldest) {
				oldest = at
			}
		}

		if n == 0 {
			fmt.Fprintf(out, "  %-12s %d\n", string(typ)+":", n)
			continue
		}
		fmt.Fprintf(out, "  %-12s %d (oldest %s)\n", string(typ)+":", n, oldest.Format(time.RFC3339))
	}
	return nil
}

func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
