package cmd

import (
	"fmt"

	"github.com/AzielCF/az-dispatch/core/database"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().Bool("reset", false, "drop every table first (postgres only)")
	rootCmd.AddCommand(migrateCmd)
}

// Tables owned by the engine, dependents first.
var engineTables = []string{
	"webhook_events",
	"webhook_event_claims",
	"auto_reply_rules",
	"messages",
	"conversations",
	"campaigns",
	"channel_sessions",
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer store.close()

	if reset, _ := cmd.Flags().GetBool("reset"); reset {
		if cfg.Database.Driver != "postgres" {
			return fmt.Errorf("--reset is only supported on postgres, delete the sqlite file instead")
		}
		logrus.Warn("[MIGRATION] Dropping engine tables")
		if err := database.DropTables(store.db, cfg.Database.Driver, engineTables...); err != nil {
			return err
		}
	}

	if err := store.migrate(cmd.Context()); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logrus.Infof("[MIGRATION] Schema is up to date (%s)", cfg.Database.Driver)
	return nil
}
