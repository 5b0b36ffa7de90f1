package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"memvault/internal/backup"
	"memvault/internal/catalog"
	"memvault/internal/config"
	apperrors "memvault/internal/errors"
	"memvault/internal/logging"
	"memvault/internal/memory"
	"memvault/internal/undo"
)

// appendSeparator joins member contents when merging with the append strategy
const appendSeparator = "\n\n"

// ExecuteResult summarizes an executed run
type ExecuteResult struct {
	DeduplicationID string              `json:"deduplication_id"`
	Status          catalog.DedupStatus `json:"status"`
	MergedCount     int                 `json:"merged_count"`
	TokenSavings    int64               `json:"token_savings"`
	UndoOperationID string              `json:"undo_operation_id,omitempty"`
	SafetyBackupID  string              `json:"safety_backup_id,omitempty"`
	SkippedGroups   int                 `json:"skipped_groups"`
}

// UndoResult summarizes an undone run
type UndoResult struct {
	DeduplicationID string              `json:"deduplication_id"`
	Status          catalog.DedupStatus `json:"status"`
	RestoredCount   int                 `json:"restored_count"`
}

// undoPayload is the pre-merge snapshot written to the ledger
type undoPayload struct {
	DeduplicationID string          `json:"deduplication_id"`
	Strategy        string          `json:"strategy"`
	Deleted         []memory.Memory `json:"deleted"`
	Keepers         []keeperState   `json:"keepers,omitempty"`
}

type keeperState struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// mergePlan is what one execute will change, computed from live rows
type mergePlan struct {
	deleted []memory.Memory
	keepers []keeperState
	// merged maps an append keeper id to its new content
	merged  map[string]string
	groups  int
	skipped int
	savings int64
}

// Execute applies an approved run
func (e *Engine) Execute(ctx context.Context, id, user string) (*ExecuteResult, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.execute(ctx, id, user)
}

// execute runs under runMu
func (e *Engine) execute(ctx context.Context, id, user string) (result *ExecuteResult, err error) {
	run, err := e.catalog.GetDedupRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status != catalog.DedupApproved {
		return nil, apperrors.NewInvalidState(
			fmt.Sprintf("deduplication %s is %s; it must be approved before execution", id, run.Status), nil)
	}

	done := e.logger.LogOperationStart("dedup_execute", map[string]interface{}{
		"deduplication_id": id,
		"strategy":         run.MergeStrategy,
		"groups":           len(run.DuplicateGroups),
	})
	defer func() { done(err) }()

	audit := logging.AuditEntry{
		UserID:   user,
		Resource: "dedup",
		Action:   "execute",
		Details: map[string]interface{}{
			"deduplication_id": id,
			"strategy":         run.MergeStrategy,
		},
	}
	defer func() {
		if err != nil {
			audit.Result = "failed"
			audit.Details["error"] = err.Error()
		} else {
			audit.Result = "success"
		}
		e.audit.Record(ctx, audit)
	}()

	if e.cfg.SafetyBackup {
		rec, err := e.backups.CreateBackup(ctx, backup.Request{
			Type:        catalog.BackupManual,
			Databases:   e.safetyBackends,
			Compress:    true,
			Description: fmt.Sprintf("safety backup before deduplication %s", id),
		})
		if err != nil {
			return nil, apperrors.New(apperrors.KindInvalidState, "safety backup failed; deduplication not executed", err)
		}
		if rec.Status != catalog.BackupCompleted {
			return nil, apperrors.NewInvalidState(
				fmt.Sprintf("safety backup %s is %s; deduplication not executed", rec.BackupID, rec.Status), nil)
		}
		run.SafetyBackupID = rec.BackupID
		audit.Details["safety_backup_id"] = rec.BackupID
	}

	plan, err := e.plan(ctx, run)
	if err != nil {
		return nil, err
	}

	if run.MergeStrategy != config.MergeKeepBoth && len(plan.deleted) > 0 {
		opType := undo.OperationDelete
		if run.MergeStrategy == config.MergeAppend {
			opType = undo.OperationMerge
		}
		payload, err := json.Marshal(undoPayload{
			DeduplicationID: id,
			Strategy:        run.MergeStrategy,
			Deleted:         plan.deleted,
			Keepers:         plan.keepers,
		})
		if err != nil {
			return nil, apperrors.New(apperrors.KindUnknown, "failed to encode undo payload", err)
		}

		opID, err := e.ledger.Record(ctx, opType, user,
			fmt.Sprintf("deduplication %s (%s, %d memories)", id, run.MergeStrategy, len(plan.deleted)), payload)
		if err != nil {
			return nil, err
		}
		run.UndoOperationID = opID
		audit.Details["undo_operation_id"] = opID

		if err := e.apply(ctx, plan); err != nil {
			// The run stays approved but keeps the ledger entry so the
			// partial mutation can still be undone
			run.UpdatedAt = e.now()
			if uerr := e.catalog.UpdateDedupRun(ctx, run, catalog.DedupApproved); uerr != nil {
				e.logger.WithField("error", uerr.Error()).Warn("Failed to record undo operation on interrupted deduplication")
			}
			return nil, err
		}
	}

	run.Status = catalog.DedupExecuted
	run.MergedCount = len(plan.deleted)
	run.TokenSavingsEstimate = plan.savings
	if run.DecidedBy == "" {
		run.DecidedBy = user
	}
	run.UpdatedAt = e.now()
	if err := e.catalog.UpdateDedupRun(ctx, run, catalog.DedupApproved); err != nil {
		return nil, err
	}

	audit.Details["merged_count"] = run.MergedCount
	e.metrics.ObserveDedup("execute", string(run.Status), plan.groups, plan.savings)

	return &ExecuteResult{
		DeduplicationID: id,
		Status:          run.Status,
		MergedCount:     run.MergedCount,
		TokenSavings:    run.TokenSavingsEstimate,
		UndoOperationID: run.UndoOperationID,
		SafetyBackupID:  run.SafetyBackupID,
		SkippedGroups:   plan.skipped,
	}, nil
}

// plan reloads every group from the store. Members deleted since the dry run
// drop out and groups left with fewer than two members are skipped; the
// keeper is chosen again from what remains.
func (e *Engine) plan(ctx context.Context, run *catalog.DedupRun) (*mergePlan, error) {
	p := &mergePlan{merged: map[string]string{}}

	for _, g := range run.DuplicateGroups {
		members, err := e.store.Get(ctx, g.Members)
		if err != nil {
			return nil, err
		}
		if len(members) < 2 {
			p.skipped++
			continue
		}
		sortByCreated(members)
		p.groups++

		if run.MergeStrategy == config.MergeKeepBoth {
			continue
		}

		keeper := Keeper(members)
		p.savings += groupSavings(members)

		for _, m := range members {
			if m.ID != keeper.ID {
				p.deleted = append(p.deleted, m)
			}
		}

		if run.MergeStrategy == config.MergeAppend {
			contents := make([]string, len(members))
			for i, m := range members {
				contents[i] = m.Content
			}
			p.merged[keeper.ID] = strings.Join(contents, appendSeparator)
			p.keepers = append(p.keepers, keeperState{ID: keeper.ID, Content: keeper.Content, UpdatedAt: keeper.UpdatedAt})
		}
	}
	return p, nil
}

// apply mutates the store, then the index
func (e *Engine) apply(ctx context.Context, p *mergePlan) error {
	now := e.now()
	for _, k := range p.keepers {
		if err := e.store.UpdateContent(ctx, k.ID, p.merged[k.ID], now); err != nil {
			return err
		}
	}
	if len(p.keepers) > 0 {
		ids := make([]string, len(p.keepers))
		for i, k := range p.keepers {
			ids[i] = k.ID
		}
		updated, err := e.store.Get(ctx, ids)
		if err != nil {
			return err
		}
		if err := e.index.Upsert(ctx, updated); err != nil {
			return err
		}
	}

	ids := make([]string, len(p.deleted))
	for i, m := range p.deleted {
		ids[i] = m.ID
	}
	if _, err := e.store.Delete(ctx, ids); err != nil {
		return err
	}
	return e.index.Delete(ctx, ids)
}

// Undo reverses an executed run through the ledger
func (e *Engine) Undo(ctx context.Context, id, user string) (*UndoResult, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	run, err := e.catalog.GetDedupRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status != catalog.DedupExecuted {
		return nil, apperrors.NewInvalidState(
			fmt.Sprintf("deduplication %s is %s; only executed runs can be undone", id, run.Status), nil)
	}
	if run.UndoOperationID == "" {
		return nil, apperrors.NewUndoUnavailable(
			fmt.Sprintf("deduplication %s removed nothing and has no undo entry", id), nil)
	}

	res, err := e.ledger.Undo(ctx, run.UndoOperationID, user)
	if err != nil {
		return nil, err
	}

	run, err = e.catalog.GetDedupRun(ctx, id)
	if err != nil {
		return nil, err
	}
	return &UndoResult{DeduplicationID: id, Status: run.Status, RestoredCount: res.RestoredCount}, nil
}

// reverse is the ledger reverser for delete and merge entries. It is also
// reached through the undo commands, so it moves the run to undone itself.
func (e *Engine) reverse(ctx context.Context, entry *catalog.UndoEntry) (int, error) {
	var p undoPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return 0, apperrors.NewUndoUnavailable("undo payload is corrupt", err).WithContext("operation_id", entry.OperationID)
	}

	// A run that is already undone had its members restored; applying the
	// payload again would reset keepers edited since
	if p.DeduplicationID != "" {
		run, err := e.catalog.GetDedupRun(ctx, p.DeduplicationID)
		if err != nil && !apperrors.IsNotFound(err) {
			return 0, err
		}
		if run != nil && run.Status == catalog.DedupUndone {
			e.logger.WithField("deduplication_id", run.DeduplicationID).Warn("Deduplication already undone; payload not applied again")
			return 0, nil
		}
	}

	for _, k := range p.Keepers {
		if err := e.store.UpdateContent(ctx, k.ID, k.Content, k.UpdatedAt); err != nil && !apperrors.IsNotFound(err) {
			return 0, err
		}
	}
	if err := e.store.Insert(ctx, p.Deleted); err != nil {
		return 0, err
	}

	reindex := append([]memory.Memory(nil), p.Deleted...)
	if len(p.Keepers) > 0 {
		ids := make([]string, len(p.Keepers))
		for i, k := range p.Keepers {
			ids[i] = k.ID
		}
		keepers, err := e.store.Get(ctx, ids)
		if err != nil {
			return 0, err
		}
		reindex = append(reindex, keepers...)
	}
	if err := e.index.Upsert(ctx, reindex); err != nil {
		return 0, err
	}

	if p.DeduplicationID != "" {
		run, err := e.catalog.GetDedupRun(ctx, p.DeduplicationID)
		if err != nil {
			return 0, err
		}
		if run.Status == catalog.DedupExecuted {
			run.Status = catalog.DedupUndone
			run.UpdatedAt = e.now()
			if err := e.catalog.UpdateDedupRun(ctx, run, catalog.DedupExecuted); err != nil {
				return 0, err
			}
		}
	}

	e.metrics.ObserveDedup("undo", string(catalog.DedupUndone), 0, 0)
	return len(p.Deleted), nil
}
