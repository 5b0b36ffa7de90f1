package display

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"memvault/internal/backup"
	"memvault/internal/catalog"
	"memvault/internal/dedup"
	"memvault/internal/scheduler"
	"memvault/internal/undo"
)

const timeLayout = "2006-01-02 15:04:05"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func joinOrDash(s []string) string {
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s, ",")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Backups prints a backup listing
func (p *Printer) Backups(recs []*catalog.BackupRecord) error {
	if recs == nil {
		recs = []*catalog.BackupRecord{}
	}
	return p.Render(recs, func(w io.Writer) {
		if len(recs) == 0 {
			fmt.Fprintln(w, "No backups found.")
			return
		}
		t := NewTable([]string{"ID", "Type", "Status", "Created", "Databases", "Size", "Description"}, p.cfg.MaxTableWidth)
		for _, r := range recs {
			t.AddRow(r.BackupID, string(r.BackupType), p.Status(string(r.Status)), formatTime(r.CreatedAt),
				joinOrDash(r.DatabasesBackedUp), humanBytes(r.TotalSizeBytes), r.Description)
		}
		t.RenderTo(w)
	})
}

// Backup prints one backup with its artifacts
func (p *Printer) Backup(rec *catalog.BackupRecord) error {
	return p.Render(rec, func(w io.Writer) {
		p.KeyValues(w, [][2]string{
			{"Backup", rec.BackupID},
			{"Type", string(rec.BackupType)},
			{"Status", p.Status(string(rec.Status))},
			{"Created", formatTime(rec.CreatedAt)},
			{"Completed", formatTimePtr(rec.CompletedAt)},
			{"Location", rec.Location},
			{"Size", humanBytes(rec.TotalSizeBytes)},
			{"Compression", rec.Compression},
			{"Encrypted", yesNo(rec.Encrypted)},
			{"Checksum", rec.Checksum},
			{"Description", rec.Description},
		})
		if len(rec.Artifacts) > 0 {
			fmt.Fprintln(w)
			t := NewTable([]string{"Backend", "Format", "Items", "Size", "Result"}, p.cfg.MaxTableWidth)
			for _, a := range rec.Artifacts {
				result := p.Status("completed")
				if a.Error != "" {
					result = p.Status("failed") + " " + a.Error
				}
				t.AddRow(a.Backend, a.Format, fmt.Sprint(a.ItemCount), humanBytes(a.SizeBytes), result)
			}
			t.RenderTo(w)
		}
		p.warnings(w, rec.Warnings)
	})
}

func (p *Printer) warnings(w io.Writer, warnings []string) {
	for _, msg := range warnings {
		fmt.Fprintf(w, "%s %s\n", p.palette.Sprint(RoleWarning, "warning:"), msg)
	}
}

// Verification prints a backup verification
func (p *Printer) Verification(res *backup.VerifyResult) error {
	return p.Render(res, func(w io.Writer) {
		verdict := "valid"
		if !res.Valid {
			verdict = "failed"
		}
		p.KeyValues(w, [][2]string{
			{"Backup", res.BackupID},
			{"Status", p.Status(string(res.Status))},
			{"Verification", p.Status(verdict)},
		})
		if len(res.Checks) == 0 {
			return
		}
		fmt.Fprintln(w)
		t := NewTable([]string{"Backend", "Path", "Result"}, p.cfg.MaxTableWidth)
		for _, c := range res.Checks {
			result := p.Status("success")
			if !c.Valid {
				result = p.Status("failed") + " " + c.Error
			}
			t.AddRow(c.Backend, c.Path, result)
		}
		t.RenderTo(w)
	})
}

// Retention prints a retention sweep
func (p *Printer) Retention(res *backup.RetentionResult) error {
	return p.Render(res, func(w io.Writer) {
		if len(res.Candidates) == 0 {
			fmt.Fprintln(w, "No backups past their retention window.")
			return
		}
		deleted := map[string]bool{}
		for _, id := range res.Deleted {
			deleted[id] = true
		}
		t := NewTable([]string{"ID", "Type", "Created", "Action"}, p.cfg.MaxTableWidth)
		for _, r := range res.Candidates {
			action := "would delete"
			switch {
			case deleted[r.BackupID]:
				action = "deleted"
			case res.Errors[r.BackupID] != "":
				action = "error: " + res.Errors[r.BackupID]
			case !res.DryRun:
				action = "kept"
			}
			t.AddRow(r.BackupID, string(r.BackupType), formatTime(r.CreatedAt), action)
		}
		t.RenderTo(w)
	})
}

// Restore prints one restore with its validation results
func (p *Printer) Restore(rec *catalog.RestoreRecord) error {
	return p.Render(rec, func(w io.Writer) {
		p.KeyValues(w, [][2]string{
			{"Restore", rec.RestoreID},
			{"Backup", rec.BackupID},
			{"Status", p.Status(string(rec.Status))},
			{"Databases", joinOrDash(rec.Databases)},
			{"Started", formatTime(rec.StartedAt)},
			{"Finished", formatTimePtr(rec.FinishedAt)},
			{"Safety backup", rec.SafetyBackupID},
			{"Rollback of", rec.RollbackOf},
			{"Rolled back by", rec.RollbackRestoreID},
			{"Rolled back to", rec.RollbackBackupID},
			{"Message", rec.Message},
		})
		if len(rec.ValidationResults) > 0 {
			fmt.Fprintln(w)
			p.validationTable(w, rec.ValidationResults)
		}
		for _, name := range sortedKeys(rec.Errors) {
			fmt.Fprintf(w, "%s %s: %s\n", p.palette.Sprint(RoleError, "error:"), name, rec.Errors[name])
		}
		p.warnings(w, rec.Warnings)
	})
}

// Restores prints restore history
func (p *Printer) Restores(recs []*catalog.RestoreRecord) error {
	if recs == nil {
		recs = []*catalog.RestoreRecord{}
	}
	return p.Render(recs, func(w io.Writer) {
		if len(recs) == 0 {
			fmt.Fprintln(w, "No restores recorded.")
			return
		}
		t := NewTable([]string{"ID", "Backup", "Status", "Started", "Databases", "Rollback Of"}, p.cfg.MaxTableWidth)
		for _, r := range recs {
			t.AddRow(r.RestoreID, r.BackupID, p.Status(string(r.Status)), formatTime(r.StartedAt),
				joinOrDash(r.Databases), r.RollbackOf)
		}
		t.RenderTo(w)
	})
}

// Validation prints live validation results
func (p *Printer) Validation(results map[string]catalog.ValidationResult) error {
	return p.Render(results, func(w io.Writer) {
		p.validationTable(w, results)
	})
}

func (p *Printer) validationTable(w io.Writer, results map[string]catalog.ValidationResult) {
	t := NewTable([]string{"Backend", "Live", "Count", "Expected", "Result"}, p.cfg.MaxTableWidth)
	for _, name := range sortedKeys(results) {
		r := results[name]
		expected := "-"
		if r.ExpectedCount > 0 {
			expected = fmt.Sprint(r.ExpectedCount)
		}
		result := p.Status("success")
		switch {
		case !r.Valid:
			result = p.Status("failed") + " " + r.Error
		case r.CountDriftWarning:
			result = p.Icon("warning") + " count drift"
		}
		t.AddRow(name, yesNo(r.Live), fmt.Sprint(r.Count), expected, result)
	}
	t.RenderTo(w)
}

// DryRun prints a deduplication dry run for review
func (p *Printer) DryRun(res *dedup.DryRunResult) error {
	return p.Render(res, func(w io.Writer) {
		p.KeyValues(w, [][2]string{
			{"Deduplication", res.DeduplicationID},
			{"Status", p.Status(string(res.Status))},
			{"Scanned", fmt.Sprint(res.MemoriesScanned)},
			{"Groups", fmt.Sprint(res.TotalGroups)},
			{"Duplicates", fmt.Sprint(res.DuplicateCount)},
			{"Token savings", fmt.Sprintf("~%d", res.EstimatedTokenSavings)},
		})
		if len(res.DuplicateGroups) > 0 {
			fmt.Fprintln(w)
			p.groupTable(w, res.DuplicateGroups)
			if res.TotalGroups > len(res.DuplicateGroups) {
				fmt.Fprintf(w, "... and %d more groups\n", res.TotalGroups-len(res.DuplicateGroups))
			}
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, res.ApprovalMessage)
	})
}

func (p *Printer) groupTable(w io.Writer, groups []catalog.DuplicateGroup) {
	t := NewTable([]string{"Keeper", "Members", "Match", "Score", "Agent", "Tokens"}, p.cfg.MaxTableWidth)
	for _, g := range groups {
		agent := g.AgentID
		if agent == "" {
			agent = "(mixed)"
		}
		t.AddRow(g.KeeperID, strings.Join(g.Members, ","), string(g.MatchBasis),
			fmt.Sprintf("%.4f", g.SimilarityScore), agent, fmt.Sprint(g.TokenEstimate))
	}
	t.RenderTo(w)
}

// DedupRun prints one deduplication run
func (p *Printer) DedupRun(run *catalog.DedupRun) error {
	return p.Render(run, func(w io.Writer) {
		p.KeyValues(w, [][2]string{
			{"Deduplication", run.DeduplicationID},
			{"Status", p.Status(string(run.Status))},
			{"Scope", run.AgentScope},
			{"Strategy", run.MergeStrategy},
			{"Threshold", fmt.Sprintf("%.2f", run.SimilarityThreshold)},
			{"Groups", fmt.Sprint(len(run.DuplicateGroups))},
			{"Merged", fmt.Sprint(run.MergedCount)},
			{"Token savings", fmt.Sprint(run.TokenSavingsEstimate)},
			{"Decided by", run.DecidedBy},
			{"Undo operation", run.UndoOperationID},
			{"Safety backup", run.SafetyBackupID},
			{"Updated", formatTime(run.UpdatedAt)},
		})
	})
}

// Execution prints an executed deduplication
func (p *Printer) Execution(res *dedup.ExecuteResult) error {
	return p.Render(res, func(w io.Writer) {
		p.KeyValues(w, [][2]string{
			{"Deduplication", res.DeduplicationID},
			{"Status", p.Status(string(res.Status))},
			{"Merged", fmt.Sprint(res.MergedCount)},
			{"Token savings", fmt.Sprint(res.TokenSavings)},
			{"Skipped groups", fmt.Sprint(res.SkippedGroups)},
			{"Undo operation", res.UndoOperationID},
			{"Safety backup", res.SafetyBackupID},
		})
	})
}

// DedupUndo prints an undone deduplication
func (p *Printer) DedupUndo(res *dedup.UndoResult) error {
	return p.Render(res, func(w io.Writer) {
		p.KeyValues(w, [][2]string{
			{"Deduplication", res.DeduplicationID},
			{"Status", p.Status(string(res.Status))},
			{"Restored", fmt.Sprint(res.RestoredCount)},
		})
	})
}

// DedupReport prints the deduplication summary
func (p *Printer) DedupReport(r *dedup.Report) error {
	return p.Render(r, func(w io.Writer) {
		p.KeyValues(w, [][2]string{
			{"Deduplications", fmt.Sprint(r.TotalDeduplications)},
			{"Duplicates found", fmt.Sprint(r.TotalDuplicatesFound)},
			{"Memories merged", fmt.Sprint(r.TotalMemoriesMerged)},
			{"Token savings", fmt.Sprint(r.TotalTokenSavings)},
		})
		if len(r.Recent) == 0 {
			return
		}
		fmt.Fprintln(w)
		t := NewTable([]string{"ID", "Status", "Scope", "Groups", "Merged", "Updated"}, p.cfg.MaxTableWidth)
		for _, run := range r.Recent {
			t.AddRow(run.DeduplicationID, p.Status(string(run.Status)), run.AgentScope,
				fmt.Sprint(len(run.DuplicateGroups)), fmt.Sprint(run.MergedCount), formatTime(run.UpdatedAt))
		}
		t.RenderTo(w)
	})
}

// UndoEntries prints undoable operations
func (p *Printer) UndoEntries(entries []*catalog.UndoEntry) error {
	if entries == nil {
		entries = []*catalog.UndoEntry{}
	}
	return p.Render(entries, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(w, "Nothing to undo.")
			return
		}
		t := NewTable([]string{"Operation", "Type", "User", "Created", "Description"}, p.cfg.MaxTableWidth)
		for _, e := range entries {
			t.AddRow(e.OperationID, e.OperationType, e.UserID, formatTime(e.CreatedAt), e.Description)
		}
		t.RenderTo(w)
	})
}

// UndoResult prints a completed undo
func (p *Printer) UndoResult(res *undo.Result) error {
	return p.Render(res, func(w io.Writer) {
		p.KeyValues(w, [][2]string{
			{"Operation", res.OperationID},
			{"Type", res.OperationType},
			{"Status", p.Status(res.Status)},
			{"Restored", fmt.Sprint(res.RestoredCount)},
		})
	})
}

// Jobs prints the scheduler's jobs
func (p *Printer) Jobs(jobs []scheduler.JobInfo) error {
	return p.Render(jobs, func(w io.Writer) {
		t := NewTable([]string{"Job", "Schedule", "Next"}, p.cfg.MaxTableWidth)
		for _, j := range jobs {
			t.AddRow(j.Name, j.Schedule, formatTime(j.Next))
		}
		t.RenderTo(w)
	})
}
