package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"memvault/internal/catalog"
	"memvault/internal/confirmation"
	"memvault/internal/dedup"
)

var (
	dedupScope     string
	dedupThreshold float64
	dedupStrategy  string
)

// dedupCmd represents the dedup command
var dedupCmd = &cobra.Command{
	Use:   "dedup",
	Short: "Find and merge duplicate memories",
	Long: `Find duplicate memories and merge them through a reviewable workflow.

A dry run groups memories of the same agent whose content is identical after
normalization or whose embeddings are at least --threshold similar. Nothing is
changed until the run is approved and executed; an executed run can be undone.

Examples:
  # Preview duplicates across every agent
  memvault dedup dry-run

  # Preview one agent with a looser threshold, merging by appending content
  memvault dedup dry-run --agent agent-42 --threshold 0.9 --strategy append

  # Approve, execute and, if needed, undo
  memvault dedup approve <id>
  memvault dedup execute <id>
  memvault dedup undo <id>`,
}

var dedupDryRunCmd = &cobra.Command{
	Use:   "dry-run",
	Short: "Find duplicates without changing anything",
	Args:  cobra.NoArgs,
	RunE:  runDedupDryRun,
}

var dedupShowCmd = &cobra.Command{
	Use:   "show <deduplication-id>",
	Short: "Show a deduplication run",
	Args:  cobra.ExactArgs(1),
	RunE:  runDedupShow,
}

var dedupApproveCmd = &cobra.Command{
	Use:   "approve <deduplication-id>",
	Short: "Approve a dry run for execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runDedupApprove,
}

var dedupRejectCmd = &cobra.Command{
	Use:   "reject <deduplication-id>",
	Short: "Reject a dry run",
	Args:  cobra.ExactArgs(1),
	RunE:  runDedupReject,
}

var dedupExecuteCmd = &cobra.Command{
	Use:   "execute <deduplication-id>",
	Short: "Merge the duplicates of an approved run",
	Args:  cobra.ExactArgs(1),
	RunE:  runDedupExecute,
}

var dedupUndoCmd = &cobra.Command{
	Use:   "undo <deduplication-id>",
	Short: "Restore the memories an executed run removed",
	Args:  cobra.ExactArgs(1),
	RunE:  runDedupUndo,
}

var dedupReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize deduplication history",
	Args:  cobra.NoArgs,
	RunE:  runDedupReport,
}

var dedupRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Dry run, approve and execute in one step",
	Long: `Run the whole workflow at once. Refused while dedup.require_approval or
dedup.dry_run_first is set.`,
	Args: cobra.NoArgs,
	RunE: runDedupRunOnce,
}

func init() {
	rootCmd.AddCommand(dedupCmd)

	dedupCmd.AddCommand(dedupDryRunCmd)
	dedupCmd.AddCommand(dedupShowCmd)
	dedupCmd.AddCommand(dedupApproveCmd)
	dedupCmd.AddCommand(dedupRejectCmd)
	dedupCmd.AddCommand(dedupExecuteCmd)
	dedupCmd.AddCommand(dedupUndoCmd)
	dedupCmd.AddCommand(dedupReportCmd)
	dedupCmd.AddCommand(dedupRunCmd)

	for _, c := range []*cobra.Command{dedupDryRunCmd, dedupRunCmd} {
		c.Flags().StringVar(&dedupScope, "agent", dedup.ScopeAll, "agent id to scan, or all")
		c.Flags().Float64Var(&dedupThreshold, "threshold", 0, "cosine similarity threshold (default from config)")
		c.Flags().StringVar(&dedupStrategy, "strategy", "", "merge strategy: keep_newest, keep_both, append (default from config)")
	}
}

func dedupRequest() dedup.Request {
	return dedup.Request{Scope: dedupScope, Threshold: dedupThreshold, Strategy: dedupStrategy}
}

func runDedupDryRun(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	engine, err := a.RequireDedup()
	if err != nil {
		return err
	}

	spinner := a.Printer.StartSpinner("Scanning memories...")
	res, err := engine.DryRun(ctx, dedupRequest())
	spinner.Stop()
	if err != nil {
		return err
	}
	return a.Printer.DryRun(res)
}

func runDedupShow(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	engine, err := a.RequireDedup()
	if err != nil {
		return err
	}

	run, err := engine.Get(ctx, args[0])
	if err != nil {
		return err
	}
	return a.Printer.DedupRun(run)
}

func runDedupApprove(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	engine, err := a.RequireDedup()
	if err != nil {
		return err
	}

	run, err := engine.Approve(ctx, args[0], a.Config.UserID)
	if err != nil {
		return err
	}
	a.Printer.Success(fmt.Sprintf("Deduplication %s approved; run 'memvault dedup execute %s' to merge", run.DeduplicationID, run.DeduplicationID))
	return a.Printer.DedupRun(run)
}

func runDedupReject(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	engine, err := a.RequireDedup()
	if err != nil {
		return err
	}

	run, err := engine.Reject(ctx, args[0], a.Config.UserID)
	if err != nil {
		return err
	}
	a.Printer.Info(fmt.Sprintf("Deduplication %s rejected", run.DeduplicationID))
	return a.Printer.DedupRun(run)
}

func runDedupExecute(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	engine, err := a.RequireDedup()
	if err != nil {
		return err
	}

	run, err := engine.Get(ctx, args[0])
	if err != nil {
		return err
	}
	ok, err := a.Confirm(ctx, executeConfirmation(run))
	if err != nil || !ok {
		return err
	}

	spinner := a.Printer.StartSpinner("Merging duplicates...")
	res, err := engine.Execute(ctx, args[0], a.Config.UserID)
	spinner.Stop()
	if err != nil {
		return err
	}
	return a.Printer.Execution(res)
}

func runDedupUndo(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	engine, err := a.RequireDedup()
	if err != nil {
		return err
	}

	res, err := engine.Undo(ctx, args[0], a.Config.UserID)
	if err != nil {
		return err
	}
	return a.Printer.DedupUndo(res)
}

func runDedupReport(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	engine, err := a.RequireDedup()
	if err != nil {
		return err
	}

	report, err := engine.Report(ctx)
	if err != nil {
		return err
	}
	return a.Printer.DedupReport(report)
}

func runDedupRunOnce(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	engine, err := a.RequireDedup()
	if err != nil {
		return err
	}

	ok, err := a.Confirm(ctx, confirmation.Request{
		Action:   fmt.Sprintf("Deduplicate memories of %s without review", dedupScope),
		Warnings: []string{"Duplicates are merged immediately; use 'memvault undo last' to reverse"},
	})
	if err != nil || !ok {
		return err
	}

	res, err := engine.RunOnce(ctx, dedupRequest(), a.Config.UserID)
	if err != nil {
		return err
	}
	return a.Printer.Execution(res)
}

func executeConfirmation(run *catalog.DedupRun) confirmation.Request {
	req := confirmation.Request{
		Action: fmt.Sprintf("Execute deduplication %s", run.DeduplicationID),
		Summary: [][2]string{
			{"Scope", run.AgentScope},
			{"Strategy", run.MergeStrategy},
			{"Groups", fmt.Sprintf("%d", len(run.DuplicateGroups))},
			{"Duplicates", fmt.Sprintf("%d", run.DuplicateCount())},
		},
	}
	for _, g := range run.DuplicateGroups {
		var merged []string
		for _, id := range g.Members {
			if id != g.KeeperID {
				merged = append(merged, id)
			}
		}
		req.Details = append(req.Details, fmt.Sprintf("keep %s, merge %s (%s, %.3f)",
			g.KeeperID, strings.Join(merged, ", "), g.MatchBasis, g.SimilarityScore))
	}
	return req
}
