package backup

import (
	"context"
	"fmt"
	"time"

	"memvault/internal/catalog"
	"memvault/internal/logging"
)

// RetentionResult reports one retention sweep
type RetentionResult struct {
	DryRun     bool                    `json:"dry_run"`
	Candidates []*catalog.BackupRecord `json:"candidates"`
	Deleted    []string                `json:"deleted"`
	Errors     map[string]string       `json:"errors,omitempty"`
}

// maxAge returns how long backups of type t are kept. ok is false for types
// that never expire.
func (m *Manager) maxAge(t catalog.BackupType) (time.Duration, bool) {
	day := 24 * time.Hour
	switch t {
	case catalog.BackupDaily:
		return time.Duration(m.retention.DailyDays) * day, true
	case catalog.BackupWeekly:
		return time.Duration(m.retention.WeeklyDays) * day, true
	case catalog.BackupMonthly:
		return time.Duration(m.retention.MonthlyDays) * day, true
	default:
		return 0, false
	}
}

// Expired reports whether rec is past its retention window at now
func (m *Manager) Expired(rec *catalog.BackupRecord, now time.Time) bool {
	if rec.Status == catalog.BackupInProgress {
		return false
	}
	age, ok := m.maxAge(rec.BackupType)
	if !ok {
		return false
	}
	return now.Sub(rec.CreatedAt) > age
}

// ApplyRetention deletes backups whose age exceeds the policy for their type.
// Manual backups never expire. With dryRun set only the candidates are
// reported.
//
// The sweep holds the operation lock so it never deletes an artifact a
// running restore is reading.
func (m *Manager) ApplyRetention(ctx context.Context, now time.Time, dryRun bool) (*RetentionResult, error) {
	held, err := m.lock.TryAcquire("retention")
	if err != nil {
		return nil, err
	}
	defer held.Release()

	all, err := m.catalog.ListBackups(ctx, catalog.BackupFilter{})
	if err != nil {
		return nil, err
	}

	result := &RetentionResult{DryRun: dryRun, Errors: map[string]string{}}
	for _, rec := range all {
		if m.Expired(rec, now) {
			result.Candidates = append(result.Candidates, rec)
		}
	}
	if dryRun || len(result.Candidates) == 0 {
		return result, nil
	}

	done := m.logger.LogOperationStart("apply_retention", map[string]interface{}{
		"candidates": len(result.Candidates),
	})

	for _, rec := range result.Candidates {
		if err := m.deleteBackup(ctx, rec); err != nil {
			result.Errors[rec.BackupID] = err.Error()
			continue
		}
		result.Deleted = append(result.Deleted, rec.BackupID)
	}

	m.metrics.ObserveRetention(len(result.Deleted))
	if len(result.Errors) > 0 {
		done(fmt.Errorf("%d of %d expired backups could not be deleted", len(result.Errors), len(result.Candidates)))
	} else {
		done(nil)
	}
	return result, nil
}

// deleteBackup removes the artifact tree, then the catalog row. When the
// artifacts cannot be removed the row is kept but marked expired so it is
// never chosen as a restore target.
func (m *Manager) deleteBackup(ctx context.Context, rec *catalog.BackupRecord) error {
	audit := logging.AuditEntry{
		UserID:   m.userID,
		Resource: "backup",
		Action:   "retention_delete",
		Details: map[string]interface{}{
			"backup_id":   rec.BackupID,
			"backup_type": rec.BackupType,
			"created_at":  rec.CreatedAt,
		},
	}

	if err := m.store.Delete(ctx, rec.Location); err != nil {
		if uerr := m.catalog.UpdateBackupStatus(ctx, rec.BackupID, catalog.BackupExpired); uerr != nil {
			m.logger.WithField("backup_id", rec.BackupID).Warnf("Failed to mark backup expired: %v", uerr)
		}
		audit.Result = "failed"
		audit.Details["error"] = err.Error()
		m.audit.Record(ctx, audit)
		return err
	}

	if err := m.catalog.DeleteBackup(ctx, rec.BackupID); err != nil {
		audit.Result = "failed"
		audit.Details["error"] = err.Error()
		m.audit.Record(ctx, audit)
		return err
	}

	audit.Result = "success"
	m.audit.Record(ctx, audit)
	m.logger.WithFields(map[string]interface{}{
		"backup_id":   rec.BackupID,
		"backup_type": rec.BackupType,
	}).Info("Deleted expired backup")
	return nil
}
