package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"memvault/internal/application"
	"memvault/internal/catalog"
	"memvault/internal/confirmation"
)

var (
	undoAllUsers   bool
	purgeOlderThan time.Duration
)

// undoCmd represents the undo command
var undoCmd = &cobra.Command{
	Use:   "undo",
	Short: "List and reverse recorded operations",
	Long: `Every destructive memory operation stores what it changed in the undo
ledger. An entry can be reversed once, until its retention window ends.

Examples:
  # Show what can still be undone
  memvault undo list

  # Reverse the most recent operation
  memvault undo last

  # Reverse a specific operation
  memvault undo op 6c1d...`,
}

var undoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List undoable operations, newest first",
	Args:  cobra.NoArgs,
	RunE:  runUndoList,
}

var undoLastCmd = &cobra.Command{
	Use:   "last",
	Short: "Reverse the most recent undoable operation",
	Args:  cobra.NoArgs,
	RunE:  runUndoLast,
}

var undoOpCmd = &cobra.Command{
	Use:   "op <operation-id>",
	Short: "Reverse one operation",
	Args:  cobra.ExactArgs(1),
	RunE:  runUndoOp,
}

var undoPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop undo payloads past their retention window",
	Long: `Drop the payloads of undo entries older than undo.retention_days, or older
than --older-than when given. Purged entries can no longer be reversed.`,
	Args: cobra.NoArgs,
	RunE: runUndoPurge,
}

func init() {
	rootCmd.AddCommand(undoCmd)

	undoCmd.AddCommand(undoListCmd)
	undoCmd.AddCommand(undoLastCmd)
	undoCmd.AddCommand(undoOpCmd)
	undoCmd.AddCommand(undoPurgeCmd)

	undoListCmd.Flags().BoolVar(&undoAllUsers, "all-users", false, "include operations of every user")
	undoLastCmd.Flags().BoolVar(&undoAllUsers, "all-users", false, "consider operations of every user")
	undoPurgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 0, "purge entries older than this duration (default from config)")
}

// undoUser scopes ledger lookups to the configured user unless --all-users
func undoUser(a *application.Application) string {
	if undoAllUsers {
		return ""
	}
	return a.Config.UserID
}

func runUndoList(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.Ledger.ListUndoable(ctx, undoUser(a))
	if err != nil {
		return err
	}
	return a.Printer.UndoEntries(entries)
}

func runUndoLast(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.Ledger.ListUndoable(ctx, undoUser(a))
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		ok, err := a.Confirm(ctx, undoConfirmation(entries[0]))
		if err != nil || !ok {
			return err
		}
	}

	res, err := a.Ledger.UndoLast(ctx, undoUser(a))
	if err != nil {
		return err
	}
	return a.Printer.UndoResult(res)
}

func runUndoOp(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	entry, err := a.Ledger.Get(ctx, args[0])
	if err != nil {
		return err
	}
	ok, err := a.Confirm(ctx, undoConfirmation(entry))
	if err != nil || !ok {
		return err
	}

	res, err := a.Ledger.Undo(ctx, args[0], a.Config.UserID)
	if err != nil {
		return err
	}
	return a.Printer.UndoResult(res)
}

func runUndoPurge(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	now := time.Now().UTC()
	var n int64
	if purgeOlderThan > 0 {
		n, err = a.Ledger.Purge(ctx, now.Add(-purgeOlderThan))
	} else {
		n, err = a.Ledger.PurgeExpired(ctx, now)
	}
	if err != nil {
		return err
	}
	a.Printer.Success(fmt.Sprintf("Purged %d undo entries", n))
	return nil
}

func undoConfirmation(e *catalog.UndoEntry) confirmation.Request {
	return confirmation.Request{
		Action: fmt.Sprintf("Undo %s operation %s", e.OperationType, e.OperationID),
		Summary: [][2]string{
			{"Description", e.Description},
			{"User", e.UserID},
			{"Recorded", e.CreatedAt.Format("2006-01-02 15:04:05 MST")},
		},
	}
}
