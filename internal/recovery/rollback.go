package recovery

import (
	"context"
	"fmt"

	"memvault/internal/catalog"
	apperrors "memvault/internal/errors"
	"memvault/internal/logging"
	"memvault/internal/oplock"
)

// autoRollback runs the single automatic rollback for a restore that failed
// validation. The rollback is validated but never rolls back itself.
func (m *Manager) autoRollback(ctx context.Context, held *oplock.Held, rec *catalog.RestoreRecord) {
	if !m.lock.Holds(held) {
		rec.Status = catalog.RestoreFailed
		rec.Message = manualInterventionMessage
		return
	}

	target, err := m.catalog.LatestCompletedBefore(ctx, rec.StartedAt, rec.BackupID)
	if err != nil {
		rec.Status = catalog.RestoreFailed
		if apperrors.IsNotFound(err) {
			rec.Message = "no completed backup older than this restore exists to roll back to; " + manualInterventionMessage
		} else {
			rec.Message = fmt.Sprintf("failed to find a rollback target: %v; %s", err, manualInterventionMessage)
		}
		return
	}

	rb, err := m.rollbackTo(ctx, rec, target)
	if rb != nil {
		rec.RollbackRestoreID = rb.RestoreID
	}
	rec.RollbackBackupID = target.BackupID

	if err == nil && rb.Status == catalog.RestoreSuccess {
		rec.Status = catalog.RestoreRolledBack
		rec.Message = fmt.Sprintf("validation failed; rolled back to backup %s", target.BackupID)
		return
	}
	rec.Status = catalog.RestoreFailed
	rec.Message = fmt.Sprintf("validation failed and rollback to backup %s did not succeed; %s", target.BackupID, manualInterventionMessage)
}

// rollbackTo restores target onto the backends original touched, as a new
// restore record linked through RollbackOf. A rollback that fails
// validation ends as failed.
func (m *Manager) rollbackTo(ctx context.Context, original *catalog.RestoreRecord, target *catalog.BackupRecord) (*catalog.RestoreRecord, error) {
	var dbs, missing []string
	for _, name := range original.Databases {
		if a, ok := target.Artifact(name); ok && a.Usable() {
			dbs = append(dbs, name)
		} else {
			missing = append(missing, name)
		}
	}

	rb := m.newRecord(target.BackupID, dbs, true)
	rb.RollbackOf = original.RestoreID
	for _, name := range missing {
		rb.Warnings = append(rb.Warnings, fmt.Sprintf("backup %s has no artifact for %s; it was not rolled back", target.BackupID, name))
	}
	if err := m.catalog.SaveRestore(ctx, rb); err != nil {
		return nil, err
	}

	done := m.logger.LogOperationStart("rollback_restore", map[string]interface{}{
		"restore_id":  rb.RestoreID,
		"rollback_of": original.RestoreID,
		"backup_id":   target.BackupID,
	})

	if len(dbs) == 0 {
		rb.Status = catalog.RestoreFailed
		rb.Message = "rollback target holds none of the restored backends"
	} else if !m.run(ctx, rb, target) {
		rb.Status = catalog.RestoreFailed
		rb.Message = manualInterventionMessage
	}

	err := m.finish(ctx, rb, true)
	m.audit.Record(ctx, logging.AuditEntry{
		UserID:   m.userID,
		Resource: "restore",
		Action:   "rollback",
		Result:   string(rb.Status),
		Details: map[string]interface{}{
			"restore_id":  rb.RestoreID,
			"rollback_of": original.RestoreID,
			"backup_id":   target.BackupID,
			"databases":   dbs,
		},
	})
	m.metrics.ObserveRestore(string(rb.Status), m.now().Sub(rb.StartedAt))

	if err == nil && rb.Status != catalog.RestoreSuccess {
		err = apperrors.NewValidationFailed(fmt.Sprintf("rollback %s finished with status %s", rb.RestoreID, rb.Status), nil)
		done(err)
		return rb, nil
	}
	done(err)
	return rb, err
}

// RollbackLastRestore rolls back the most recent restore that was not itself
// a rollback. The target is the newest completed backup created before that
// restore started, excluding the backup it restored. The rolled-back restore
// record is left as it finished; the new record points at it through
// RollbackOf.
func (m *Manager) RollbackLastRestore(ctx context.Context) (*catalog.RestoreRecord, error) {
	held, err := m.lock.TryAcquire("rollback")
	if err != nil {
		return nil, err
	}
	defer held.Release()

	last, err := m.catalog.LatestRestore(ctx)
	if err != nil {
		return nil, err
	}
	if last.Status == catalog.RestoreRolledBack {
		return nil, apperrors.NewInvalidState(
			fmt.Sprintf("restore %s was already rolled back by %s", last.RestoreID, last.RollbackRestoreID), nil)
	}
	prior, err := m.catalog.SuccessfulRollbackOf(ctx, last.RestoreID)
	if err == nil {
		return nil, apperrors.NewInvalidState(
			fmt.Sprintf("restore %s was already rolled back by %s", last.RestoreID, prior.RestoreID), nil)
	}
	if !apperrors.IsNotFound(err) {
		return nil, err
	}

	target, err := m.catalog.LatestCompletedBefore(ctx, last.StartedAt, last.BackupID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.NewNotFound(
				fmt.Sprintf("no completed backup older than restore %s exists to roll back to", last.RestoreID), err)
		}
		return nil, err
	}

	return m.rollbackTo(ctx, last, target)
}
