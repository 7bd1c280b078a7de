package main

import (
	"github.com/spf13/cobra"

	"github.com/jwalitptl/chairqueue/internal/repository/sqlstore"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the queue tables and change-notification triggers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		log := newLogger(cfg)
		db, err := sqlstore.NewDB(cmd.Context(), storeConfig(cfg))
		if err != nil {
			return err
		}
		defer db.Close()

		if err := sqlstore.Migrate(cmd.Context(), db); err != nil {
			return err
		}
		log.Info("schema migrated", "driver", cfg.Remote.Driver)
		return nil
	},
}
