package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func (c *cli) queueCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage pending operations",
	}
	cmd.PersistentFlags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending operations in replay order",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLocal(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer l.Close()

			ops, err := l.queue.List(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), ops)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tOPERATION\tENTITY\tATTEMPTS\tENQUEUED\tLAST ERROR")
			for _, op := range ops {
				fmt.Fprintf(w, "%d\t%s\t%s/%s\t%d\t%s\t%s\n",
					op.Seq, op.Operation, op.EntityType, op.EntityID, op.Attempts,
					op.EnqueuedAtTime().Format(time.RFC3339), op.LastError)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "dead-letters",
		Short: "List operations the remote rejected",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLocal(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer l.Close()

			letters, err := l.queue.DeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), letters)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tOPERATION\tENTITY\tSTATUS\tFAILED\tREASON")
			for _, dl := range letters {
				fmt.Fprintf(w, "%s\t%s\t%s/%s\t%d\t%s\t%s\n",
					dl.ID, dl.Operation, dl.EntityType, dl.EntityID, dl.StatusCode,
					dl.FailedAtTime().Format(time.RFC3339), dl.Reason)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "requeue <id>",
		Short: "Move a dead letter back to the tail of the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLocal(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer l.Close()

			op, err := l.queue.Requeue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s as seq %d\n", op.ID, op.Seq)
			return nil
		},
	})

	var force bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every pending operation (dead letters are kept)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("clearing discards unsynced edits; pass --force to confirm")
			}
			l, err := openLocal(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer l.Close()

			if err := l.queue.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Queue cleared")
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&force, "force", false, "confirm discarding pending operations")
	cmd.AddCommand(clearCmd)

	return cmd
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
