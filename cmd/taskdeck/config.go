package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/taskdeck/internal/config"
)

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration (secrets redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.Render(c.cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# Source: %s\n", valueOrDefault(c.source.File(), "defaults + environment"))
			fmt.Fprint(out, string(data))
			return nil
		},
	})

	return cmd
}
