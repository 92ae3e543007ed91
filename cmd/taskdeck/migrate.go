package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/taskdeck/internal/db"
)

func (c *cli) migrateCmd() *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or roll back) local database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.DataDir == "" {
				return fmt.Errorf("data_dir is not set")
			}
			database, err := db.Open(c.cfg.DataDir)
			if err != nil {
				return err
			}
			defer database.Close()

			m := db.NewMigrator(database.DB, db.Migrations())
			if err := m.Initialize(); err != nil {
				return err
			}
			if down {
				err = m.Down()
			} else {
				err = m.Up()
			}
			if err != nil {
				return err
			}

			version, err := m.CurrentVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema version: %d\n", version)
			return nil
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "roll back the latest migration")
	return cmd
}
