package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"memvault/internal/backup"
	"memvault/internal/catalog"
	"memvault/internal/confirmation"
	apperrors "memvault/internal/errors"
)

var (
	// Backup creation flags
	backupType        string
	backupDatabases   []string
	backupCompress    bool
	backupDescription string

	// Backup listing flags
	listType  string
	listLimit int

	// Retention flags
	pruneDryRun bool
)

// backupCmd represents the backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, list, verify and prune backups",
	Long: `Create, list, verify and prune backups of the memory stores.

A backup snapshots every selected store in parallel. It is completed only when
every store succeeded; artifacts of the stores that did succeed are kept and
can still be restored individually.

Examples:
  # Back up every enabled store
  memvault backup create

  # Back up only the relational and vector stores
  memvault backup create --databases postgres,qdrant --description "before reindex"

  # List the last ten daily backups as JSON
  memvault backup list --type daily --limit 10 --format json`,
}

// backupCreateCmd creates a new backup
var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new backup",
	Args:  cobra.NoArgs,
	RunE:  runBackupCreate,
}

// backupListCmd lists catalogued backups
var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalogued backups, newest first",
	Args:  cobra.NoArgs,
	RunE:  runBackupList,
}

// backupShowCmd prints one backup
var backupShowCmd = &cobra.Command{
	Use:   "show <backup-id>",
	Short: "Show one backup with its artifacts",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupShow,
}

// backupVerifyCmd re-checksums the artifacts of a backup
var backupVerifyCmd = &cobra.Command{
	Use:   "verify <backup-id>",
	Short: "Verify the checksums of a backup's artifacts",
	Long: `Read every artifact of a backup back from storage and compare its SHA-256
checksum against the catalog. The command exits non-zero when any artifact
is missing or corrupt.`,
	Args: cobra.ExactArgs(1),
	RunE: runBackupVerify,
}

// backupPruneCmd applies the retention policy
var backupPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete backups past their retention window",
	Long: `Apply the retention policy: daily backups are kept for retention.daily_days,
weekly for retention.weekly_days and monthly for retention.monthly_days.
Manual backups and the newest completed backup are never deleted.

Examples:
  # Show what would be deleted
  memvault backup prune --dry-run`,
	Args: cobra.NoArgs,
	RunE: runBackupPrune,
}

func init() {
	rootCmd.AddCommand(backupCmd)

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupShowCmd)
	backupCmd.AddCommand(backupVerifyCmd)
	backupCmd.AddCommand(backupPruneCmd)

	backupCreateCmd.Flags().StringVar(&backupType, "type", string(catalog.BackupManual), "backup type (manual, daily, weekly, monthly)")
	backupCreateCmd.Flags().StringSliceVar(&backupDatabases, "databases", nil, "stores to back up (default all enabled)")
	backupCreateCmd.Flags().BoolVar(&backupCompress, "compress", true, "compress artifacts")
	backupCreateCmd.Flags().StringVar(&backupDescription, "description", "", "backup description")

	backupListCmd.Flags().StringVar(&listType, "type", "", "filter by backup type")
	backupListCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of backups to list")

	backupPruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "list candidates without deleting them")
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	t := catalog.BackupType(backupType)
	if !t.Valid() {
		return apperrors.NewInvalidArgument(fmt.Sprintf("unknown backup type %q", backupType), nil)
	}

	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	spinner := a.Printer.StartSpinner("Creating backup...")
	rec, err := a.Backups.CreateBackup(ctx, backup.Request{
		Type:        t,
		Databases:   splitList(backupDatabases),
		Compress:    backupCompress,
		Description: backupDescription,
	})
	spinner.Stop()
	if err != nil {
		return err
	}

	if rec.Status == catalog.BackupCompleted {
		a.Printer.Success(fmt.Sprintf("Backup %s completed", rec.BackupID))
	} else {
		a.Printer.Error(fmt.Sprintf("Backup %s failed for %d of %d stores", rec.BackupID, len(rec.Errors), len(rec.DatabasesRequested)))
	}
	if err := a.Printer.Backup(rec); err != nil {
		return err
	}
	if rec.Status == catalog.BackupFailed {
		return apperrors.NewSnapshotError("", "backup did not complete", nil)
	}
	return nil
}

func runBackupList(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	recs, err := a.Backups.ListBackups(ctx, catalog.BackupType(listType), listLimit)
	if err != nil {
		return err
	}
	return a.Printer.Backups(recs)
}

func runBackupShow(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.Backups.GetBackup(ctx, args[0])
	if err != nil {
		return err
	}
	return a.Printer.Backup(rec)
}

func runBackupVerify(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	spinner := a.Printer.StartSpinner("Verifying artifacts...")
	res, err := a.Backups.VerifyBackup(ctx, args[0])
	spinner.Stop()
	if err != nil {
		return err
	}
	if err := a.Printer.Verification(res); err != nil {
		return err
	}
	if !res.Valid {
		return apperrors.NewValidationFailed(fmt.Sprintf("backup %s failed verification", res.BackupID), nil)
	}
	a.Printer.Success("All artifacts match their checksums")
	return nil
}

func runBackupPrune(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	now := time.Now().UTC()
	if !pruneDryRun {
		preview, err := a.Backups.ApplyRetention(ctx, now, true)
		if err != nil {
			return err
		}
		if len(preview.Candidates) == 0 {
			return a.Printer.Retention(preview)
		}
		req := confirmation.Request{Action: fmt.Sprintf("Delete %d expired backups", len(preview.Candidates))}
		for _, r := range preview.Candidates {
			req.Details = append(req.Details, fmt.Sprintf("%s  %s  %s", r.BackupID, r.BackupType, r.CreatedAt.Format(time.RFC3339)))
		}
		ok, err := a.Confirm(ctx, req)
		if err != nil || !ok {
			return err
		}
	}

	res, err := a.Backups.ApplyRetention(ctx, now, pruneDryRun)
	if err != nil {
		return err
	}
	if err := a.Printer.Retention(res); err != nil {
		return err
	}
	if len(res.Errors) > 0 {
		return apperrors.NewStorageError(fmt.Sprintf("%d backups could not be deleted", len(res.Errors)), nil)
	}
	return nil
}
