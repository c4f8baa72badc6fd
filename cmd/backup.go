package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mongo-env-sync/internal/backup"
	"mongo-env-sync/internal/confirmation"
	apperrors "mongo-env-sync/internal/errors"
)

var (
	// Backup listing flags
	listEnvironment string
	listDatabase    string
	listBefore      string

	// Create flags
	createEnvironment string
	createDatabase    string

	// Restore flags
	restoreYes bool

	// Prune flags
	pruneKeep      int
	pruneOlderThan string
	pruneDryRun    bool
)

// backupCmd represents the backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage database backups",
	Long: `Create, list, inspect, verify, restore and prune backups. A backup is taken
automatically before every import; create takes one on demand.

Backups live under the backup directory as {ENV}/{database}/{timestamp}-{token}/
with the mongodump output in dump/ and metadata in backup.json. They are never
deleted automatically; use prune to apply a retention policy.

Examples:
  # Back up the orders database of PROD now
  mongo-env-sync backup create --env prod --database orders

  # List all backups
  mongo-env-sync backup list

  # List backups of one database taken more than a week ago
  mongo-env-sync backup list --env staging --database orders --before 7d

  # Restore a backup into the environment it was taken from
  mongo-env-sync backup restore 20260102T030405Z-1a2b3c4d

  # Keep the 3 newest backups per database, preview first
  mongo-env-sync backup prune --keep 3 --dry-run`,
}

// backupCreateCmd takes a manual backup
var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Back up a database now",
	Args:  cobra.NoArgs,
	RunE:  runBackupCreate,
}

// backupListCmd lists existing backups
var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List existing backups",
	Args:  cobra.NoArgs,
	RunE:  runBackupList,
}

// backupShowCmd shows one backup
var backupShowCmd = &cobra.Command{
	Use:   "show <id|path>",
	Short: "Show the details of a backup",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupShow,
}

// backupVerifyCmd checks a backup
var backupVerifyCmd = &cobra.Command{
	Use:   "verify <id|path>",
	Short: "Check that a backup is complete and unchanged",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupVerify,
}

// backupRestoreCmd restores a backup
var backupRestoreCmd = &cobra.Command{
	Use:   "restore <id|path>",
	Short: "Restore a backup into the database it was taken from",
	Long: `Replace the database a backup was taken from with the backup's contents.

The database is dropped first so the result matches the backup exactly. The
connection string is resolved from the current environment variables.`,
	Args: cobra.ExactArgs(1),
	RunE: runBackupRestore,
}

// backupPruneCmd applies a retention policy
var backupPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old backups",
	Long: `Delete backups beyond a retention policy. The newest backup of every
environment and database is always kept.`,
	Args: cobra.NoArgs,
	RunE: runBackupPrune,
}

func init() {
	rootCmd.AddCommand(backupCmd)

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupShowCmd)
	backupCmd.AddCommand(backupVerifyCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupPruneCmd)

	for _, c := range []*cobra.Command{backupListCmd, backupPruneCmd} {
		c.Flags().StringVar(&listEnvironment, "env", "", "filter by environment")
		c.Flags().StringVar(&listDatabase, "database", "", "filter by database name")
	}
	backupListCmd.Flags().StringVar(&listBefore, "before", "", "only backups created before (YYYY-MM-DD, RFC3339 or relative like 36h, 7d, 2w, 1mo)")

	backupCreateCmd.Flags().StringVar(&createEnvironment, "env", "", "environment to back up")
	backupCreateCmd.Flags().StringVar(&createDatabase, "database", "", "database to back up")
	backupCreateCmd.MarkFlagRequired("env")
	backupCreateCmd.MarkFlagRequired("database")

	backupRestoreCmd.Flags().BoolVarP(&restoreYes, "yes", "y", false, "skip the confirmation prompt")

	backupPruneCmd.Flags().IntVar(&pruneKeep, "keep", 5, "backups to keep per environment and database")
	backupPruneCmd.Flags().StringVar(&pruneOlderThan, "older-than", "", "only delete backups older than this (e.g. 72h, 7d, 2w)")
	backupPruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "show what would be deleted")
}

// runBackupCreate takes a manual backup
func runBackupCreate(cmd *cobra.Command, args []string) error {
	app, err := newApplication(cmd)
	if err != nil {
		return err
	}
	_, err = app.CreateBackup(cmd.Context(), createEnvironment, createDatabase)
	return reported(err)
}

// runBackupList lists backups
func runBackupList(cmd *cobra.Command, args []string) error {
	filter, err := buildBackupFilter()
	if err != nil {
		return err
	}

	app, err := newApplication(cmd)
	if err != nil {
		return err
	}
	return reported(app.ListBackups(filter))
}

// runBackupShow prints one backup
func runBackupShow(cmd *cobra.Command, args []string) error {
	app, err := newApplication(cmd)
	if err != nil {
		return err
	}
	return reported(app.ShowBackup(args[0]))
}

// runBackupVerify validates one backup
func runBackupVerify(cmd *cobra.Command, args []string) error {
	app, err := newApplication(cmd)
	if err != nil {
		return err
	}
	return reported(app.VerifyBackup(args[0]))
}

// runBackupRestore restores one backup
func runBackupRestore(cmd *cobra.Command, args []string) error {
	app, err := newApplication(cmd)
	if err != nil {
		return err
	}
	interactive := !restoreYes && confirmation.IsInteractive(stdinFile(cmd))
	return reported(app.RestoreBackup(cmd.Context(), args[0], interactive, restoreYes))
}

// runBackupPrune applies the retention policy
func runBackupPrune(cmd *cobra.Command, args []string) error {
	policy := backup.RetentionPolicy{KeepLast: pruneKeep}
	if pruneOlderThan != "" {
		age, err := parseAge(pruneOlderThan)
		if err != nil {
			return apperrors.NewConfigurationError("invalid --older-than value", err).
				WithUserMessage(fmt.Sprintf("Invalid --older-than value %q. Use a duration like 72h, 7d or 2w.", pruneOlderThan))
		}
		policy.OlderThan = age
	}

	app, err := newApplication(cmd)
	if err != nil {
		return err
	}
	filter := backup.Filter{Environment: listEnvironment, Database: listDatabase}
	return reported(app.PruneBackups(filter, policy, pruneDryRun))
}

// buildBackupFilter builds a listing filter from the flags
func buildBackupFilter() (backup.Filter, error) {
	filter := backup.Filter{
		Environment: listEnvironment,
		Database:    listDatabase,
	}

	if listBefore != "" {
		before, err := parseDate(listBefore, time.Now())
		if err != nil {
			return filter, apperrors.NewConfigurationError("invalid --before value", err).
				WithUserMessage(fmt.Sprintf("Invalid --before value %q. Use YYYY-MM-DD, RFC3339 or a relative age like 7d or 1mo.", listBefore))
		}
		filter.Before = before
	}

	return filter, nil
}

// parseDate parses date strings including relative dates counted back from now.
// Relative dates are durations as accepted by parseAge, or whole months with "mo".
func parseDate(dateStr string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, dateStr); err == nil {
		return t, nil
	}

	if t, err := time.ParseInLocation("2006-01-02", dateStr, time.Local); err == nil {
		return t, nil
	}

	// "m" is minutes, as in every other duration flag
	if n, ok := strings.CutSuffix(dateStr, "mo"); ok {
		months, err := strconv.Atoi(n)
		if err != nil || months < 0 {
			return time.Time{}, fmt.Errorf("invalid relative date format: %s", dateStr)
		}
		return now.AddDate(0, -months, 0), nil
	}

	age, err := parseAge(dateStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date format: %s", dateStr)
	}
	return now.Add(-age), nil
}

// parseAge accepts Go durations plus day (d) and week (w) suffixes
func parseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	for suffix, unit := range map[string]time.Duration{"d": 24 * time.Hour, "w": 7 * 24 * time.Hour} {
		if n, ok := strings.CutSuffix(s, suffix); ok {
			count, err := strconv.Atoi(n)
			if err != nil || count < 0 {
				return 0, fmt.Errorf("invalid age %q", s)
			}
			return time.Duration(count) * unit, nil
		}
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid age %q", s)
	}
	return d, nil
}
