package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/promptrelay/internal/db"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(true)
			if err != nil {
				return err
			}
			database, err := db.OpenDB(cfg.DBPath)
			if err != nil {
				return err
			}
			defer database.Close()

			n, err := db.Migrate(cmd.Context(), database)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s) to %s\n", n, cfg.DBPath)
			return nil
		},
	}
}
