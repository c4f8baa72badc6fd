package cmd

import (
	"github.com/spf13/cobra"

	"mongo-env-sync/internal/application"
	"mongo-env-sync/internal/orchestrator"
)

var (
	syncFrom        string
	syncTo          string
	syncDB          string
	syncTargetDB    string
	syncBackup      bool
	syncDrop        bool
	syncClear       bool
	syncInteractive bool
	syncDryRun      bool
	syncYes         bool
)

// syncCmd copies a database between environments
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Copy a database from one environment to another",
	Long: `Export a database from the source environment and import it into the target.

Unless --backup=false is given, the target database is dumped first. When the
import fails the backup is restored, leaving the target as it was.

Import modes:
  --drop (default)      collections present in the export replace their target copies
  --drop=false --clear  target documents are deleted, collections and indexes are kept
  --drop=false          documents are inserted into the existing collections

Exit codes:
  0 success, 1 failure, 2 configuration error, 3 import failed and target restored,
  4 restore from backup failed (manual intervention required), 130 cancelled

Examples:
  mongo-env-sync sync --from dev --to staging --db orders
  mongo-env-sync sync -f prod -t dev -d orders -n orders_copy --drop=false --clear
  mongo-env-sync sync --interactive`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().StringVarP(&syncFrom, "from", "f", "", "source environment")
	syncCmd.Flags().StringVarP(&syncTo, "to", "t", "", "target environment")
	syncCmd.Flags().StringVarP(&syncDB, "db", "d", "", "database to synchronize")
	syncCmd.Flags().StringVarP(&syncTargetDB, "target-db", "n", "", "target database name (defaults to --db)")
	syncCmd.Flags().BoolVarP(&syncBackup, "backup", "b", true, "back up the target before importing")
	syncCmd.Flags().BoolVarP(&syncDrop, "drop", "D", true, "drop target collections before restoring them")
	syncCmd.Flags().BoolVarP(&syncClear, "clear", "c", false, "delete target documents before importing (ignored with --drop)")
	syncCmd.Flags().BoolVarP(&syncInteractive, "interactive", "i", false, "prompt for values not given as flags")
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "validate and show the plan without running any tool")
	syncCmd.Flags().BoolVarP(&syncYes, "yes", "y", false, "skip the confirmation prompt")
}

func runSync(cmd *cobra.Command, args []string) error {
	app, err := newApplication(cmd)
	if err != nil {
		return err
	}

	req := orchestrator.SyncRequest{
		SourceEnv: syncFrom,
		TargetEnv: syncTo,
		SourceDB:  syncDB,
		TargetDB:  syncTargetDB,
		Backup:    syncBackup,
		Drop:      syncDrop,
		Clear:     syncClear,
		DryRun:    syncDryRun,
	}

	flags := cmd.Flags()
	optionsGiven := flags.Changed("backup") || flags.Changed("drop") || flags.Changed("clear")

	_, err = app.Sync(cmd.Context(), req, application.SyncOptions{
		Interactive: syncInteractive,
		AskOptions:  syncInteractive && !optionsGiven,
		AutoApprove: syncYes,
	})
	return reported(err)
}
