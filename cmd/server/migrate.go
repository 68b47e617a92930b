package main

import (
	"github.com/spf13/cobra"

	"github.com/iliyamo/slot-booking/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(ctx, db, database.Schema); err != nil {
		return err
	}
	log.WithField("statements", len(database.Schema)).Info("schema up to date")
	return nil
}
