package cmd

import (
	"time"

	ingestApp "github.com/AzielCF/az-dispatch/ingestion/application"
	"github.com/spf13/cobra"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete processed webhook events older than the retention window",
	RunE:  runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer store.close()

	if err := store.events.Init(cmd.Context()); err != nil {
		return err
	}
	pruner := ingestApp.NewPruner(store.idempotency, cfg.Ingestion.Retention, cfg.Ingestion.PruneInterval)
	_, err = pruner.PruneOnce(cmd.Context(), time.Now().UTC())
	return err
}
