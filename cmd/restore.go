package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"memvault/internal/application"
	"memvault/internal/catalog"
	"memvault/internal/confirmation"
	apperrors "memvault/internal/errors"
)

var (
	restoreDatabases  []string
	restoreNoValidate bool
	historyLimit      int
)

// restoreCmd represents the restore command
var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore backups, roll back and validate the stores",
	Long: `Restore a catalogued backup into the live stores.

Before restoring, memvault takes a safety backup of the current state. After
restoring, every store is checked for liveness and its item count is compared
with the count recorded in the backup. When validation fails the restore is
rolled back to the safety backup automatically, once.

Examples:
  # Restore everything the backup contains
  memvault restore run 0b6f3c1e-...

  # Restore only the cache, without validation
  memvault restore run 0b6f3c1e-... --databases redis --no-validate

  # Undo the last restore
  memvault restore rollback`,
}

var restoreRunCmd = &cobra.Command{
	Use:   "run <backup-id>",
	Short: "Restore a backup",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestore,
}

var restoreRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll back the most recent restore",
	Args:  cobra.NoArgs,
	RunE:  runRestoreRollback,
}

var restoreValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check liveness and item counts of the stores",
	Args:  cobra.NoArgs,
	RunE:  runRestoreValidate,
}

var restoreHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List past restores, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRestoreHistory,
}

var restoreShowCmd = &cobra.Command{
	Use:   "show <restore-id>",
	Short: "Show one restore with its validation results",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestoreShow,
}

var restorePointsCmd = &cobra.Command{
	Use:   "points",
	Short: "List completed backups that can be restored",
	Args:  cobra.NoArgs,
	RunE:  runRestorePoints,
}

func init() {
	rootCmd.AddCommand(restoreCmd)

	restoreCmd.AddCommand(restoreRunCmd)
	restoreCmd.AddCommand(restoreRollbackCmd)
	restoreCmd.AddCommand(restoreValidateCmd)
	restoreCmd.AddCommand(restoreHistoryCmd)
	restoreCmd.AddCommand(restoreShowCmd)
	restoreCmd.AddCommand(restorePointsCmd)

	restoreRunCmd.Flags().StringSliceVar(&restoreDatabases, "databases", nil, "stores to restore (default every store in the backup)")
	restoreRunCmd.Flags().BoolVar(&restoreNoValidate, "no-validate", false, "skip post-restore validation")

	restoreValidateCmd.Flags().StringSliceVar(&restoreDatabases, "databases", nil, "stores to validate (default all enabled)")

	restoreHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of restores to list")
	restorePointsCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of backups to list")
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	target, err := a.Backups.GetBackup(ctx, args[0])
	if err != nil {
		return err
	}
	ok, err := a.Confirm(ctx, restoreConfirmation(target, splitList(restoreDatabases), !a.Config.Recovery.PreRestoreBackup))
	if err != nil || !ok {
		return err
	}

	spinner := a.Printer.StartSpinner(fmt.Sprintf("Restoring backup %s...", args[0]))
	rec, err := a.Recovery.RestoreFromBackup(ctx, args[0], splitList(restoreDatabases), !restoreNoValidate)
	spinner.Stop()
	if rec != nil {
		if perr := a.Printer.Restore(rec); perr != nil && err == nil {
			err = perr
		}
	}
	if err != nil {
		return err
	}
	return restoreOutcome(a, rec)
}

func runRestoreRollback(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	ok, err := a.Confirm(ctx, confirmation.Request{
		Action:   "Roll back the most recent restore",
		Warnings: []string{"Every store the restore touched is overwritten with its pre-restore state"},
	})
	if err != nil || !ok {
		return err
	}

	spinner := a.Printer.StartSpinner("Rolling back the last restore...")
	rec, err := a.Recovery.RollbackLastRestore(ctx)
	spinner.Stop()
	if err != nil {
		return err
	}
	if err := a.Printer.Restore(rec); err != nil {
		return err
	}
	return restoreOutcome(a, rec)
}

func restoreConfirmation(target *catalog.BackupRecord, databases []string, noSafetyBackup bool) confirmation.Request {
	if len(databases) == 0 {
		databases = target.DatabasesBackedUp
	}
	req := confirmation.Request{
		Action: fmt.Sprintf("Restore backup %s", target.BackupID),
		Summary: [][2]string{
			{"Type", string(target.BackupType)},
			{"Created", target.CreatedAt.Format("2006-01-02 15:04:05 MST")},
			{"Databases", strings.Join(databases, ", ")},
			{"Description", target.Description},
		},
		Warnings: []string{"The live contents of the selected stores are replaced"},
	}
	if noSafetyBackup {
		req.Warnings = append(req.Warnings, "recovery.pre_restore_backup is off; this restore cannot be rolled back")
	}
	for _, art := range target.Artifacts {
		if art.Error != "" {
			req.Details = append(req.Details, fmt.Sprintf("%s: not in backup (%s)", art.Backend, art.Error))
			continue
		}
		req.Details = append(req.Details, fmt.Sprintf("%s: %d items, %d bytes, %s", art.Backend, art.ItemCount, art.SizeBytes, art.Path))
	}
	return req
}

// restoreOutcome reports the terminal status and turns failures into errors
func restoreOutcome(a *application.Application, rec *catalog.RestoreRecord) error {
	switch rec.Status {
	case catalog.RestoreSuccess:
		a.Printer.Success(fmt.Sprintf("Restore %s succeeded", rec.RestoreID))
		return nil
	case catalog.RestoreRolledBack:
		a.Printer.Warning(fmt.Sprintf("Restore %s failed validation and was rolled back", rec.RestoreID))
		return apperrors.NewValidationFailed("restore was rolled back", nil)
	case catalog.RestoreValidationFailed:
		return apperrors.NewValidationFailed(fmt.Sprintf("restore %s failed validation", rec.RestoreID), nil)
	default:
		return apperrors.NewRestoreError("", fmt.Sprintf("restore %s finished with status %s", rec.RestoreID, rec.Status), nil)
	}
}

func runRestoreValidate(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := a.Recovery.ValidateRestoredData(ctx, splitList(restoreDatabases))
	if err != nil {
		return err
	}
	if err := a.Printer.Validation(results); err != nil {
		return err
	}

	var failed []string
	for name, r := range results {
		if !r.Valid {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		return apperrors.NewValidationFailed(fmt.Sprintf("%d stores failed validation", len(failed)), nil)
	}
	return nil
}

func runRestoreHistory(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	recs, err := a.Recovery.ListRestores(ctx, historyLimit)
	if err != nil {
		return err
	}
	return a.Printer.Restores(recs)
}

func runRestoreShow(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.Recovery.GetRestore(ctx, args[0])
	if err != nil {
		return err
	}
	return a.Printer.Restore(rec)
}

func runRestorePoints(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	recs, err := a.Recovery.ListRollbackPoints(ctx, historyLimit)
	if err != nil {
		return err
	}
	return a.Printer.Backups(recs)
}
