// Package recovery restores backups onto the live stores, validates the
// result and rolls back once when validation fails.
//
// Restores are not transactional across backends. A rollback restores the
// last known-good backup through the same path; it is best-effort and can
// itself fail, in which case the record asks for manual intervention.
package recovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"memvault/internal/backend"
	"memvault/internal/backup"
	"memvault/internal/catalog"
	"memvault/internal/config"
	apperrors "memvault/internal/errors"
	"memvault/internal/logging"
	"memvault/internal/metrics"
	"memvault/internal/oplock"
)

const manualInterventionMessage = "automatic rollback did not complete; restore a known-good backup manually with 'memvault restore run <backup-id>'"

// Dependencies are the collaborators of a Manager. Logger, Audit and
// Metrics are optional.
type Dependencies struct {
	Backends *backend.Set
	Catalog  *catalog.Catalog
	Backups  *backup.Manager
	Lock     *oplock.Lock
	Config   config.RecoveryConfig
	Timeout  time.Duration
	Logger   *logging.Logger
	Audit    *logging.AuditLogger
	Metrics  metrics.Recorder
	UserID   string
}

// Manager orchestrates restores and rollbacks
type Manager struct {
	backends *backend.Set
	catalog  *catalog.Catalog
	backups  *backup.Manager
	lock     *oplock.Lock
	cfg      config.RecoveryConfig
	timeout  time.Duration
	logger   *logging.Logger
	audit    *logging.AuditLogger
	metrics  metrics.Recorder
	userID   string
	classify *apperrors.Classifier

	now   func() time.Time
	newID func() string
}

// NewManager validates deps and builds a Manager
func NewManager(deps Dependencies) (*Manager, error) {
	if deps.Backends == nil || deps.Catalog == nil || deps.Backups == nil || deps.Lock == nil {
		return nil, apperrors.NewConfigurationError("recovery manager requires backends, catalog, backups and lock", nil)
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 5 * time.Minute
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}

	return &Manager{
		backends: deps.Backends,
		catalog:  deps.Catalog,
		backups:  deps.Backups,
		lock:     deps.Lock,
		cfg:      deps.Config,
		timeout:  deps.Timeout,
		logger:   deps.Logger,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		userID:   deps.UserID,
		classify: apperrors.NewClassifier(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
	}, nil
}

// RestoreFromBackup restores backupID onto the selected backends. databases
// defaults to every backend the backup holds an artifact for. There is no
// implicit "latest backup" target.
//
// With validate set, a failed validation triggers exactly one automatic
// rollback. The returned record carries the final status; the error is
// non-nil only when the restore could not be attempted or recorded.
func (m *Manager) RestoreFromBackup(ctx context.Context, backupID string, databases []string, validate bool) (*catalog.RestoreRecord, error) {
	if backupID == "" {
		return nil, apperrors.NewInvalidArgument("backup id is required; restores never pick a backup implicitly", nil)
	}

	held, err := m.lock.TryAcquire("restore")
	if err != nil {
		return nil, err
	}
	defer held.Release()

	target, err := m.catalog.GetBackup(ctx, backupID)
	if err != nil {
		return nil, err
	}
	dbs, warnings, err := m.restorableBackends(target, databases)
	if err != nil {
		return nil, err
	}

	var safetyID string
	if m.cfg.PreRestoreBackup {
		id, warn := m.safetyBackup(ctx, held, backupID)
		safetyID = id
		if warn != "" {
			warnings = append(warnings, warn)
		}
	}

	// StartedAt is taken after the safety backup so that backup is the first
	// rollback candidate
	rec := m.newRecord(target.BackupID, dbs, validate)
	rec.Warnings = append(rec.Warnings, warnings...)
	rec.SafetyBackupID = safetyID
	if err := m.catalog.SaveRestore(ctx, rec); err != nil {
		return nil, err
	}

	auditEntry := logging.AuditEntry{
		CorrelationID: logging.CorrelationIDFromContext(ctx),
		UserID:        m.userID,
		Resource:      "restore",
		Action:        "restore",
		Details: map[string]interface{}{
			"restore_id": rec.RestoreID,
			"backup_id":  rec.BackupID,
			"databases":  rec.Databases,
		},
	}

	done := m.logger.LogOperationStart("restore_from_backup", map[string]interface{}{
		"restore_id": rec.RestoreID,
		"backup_id":  rec.BackupID,
		"databases":  rec.Databases,
		"validate":   validate,
	})

	passed := m.run(ctx, rec, target)
	if validate && !passed {
		rec.Status = catalog.RestoreValidationFailed
		if err := m.finish(ctx, rec, false); err != nil {
			done(err)
			return rec, err
		}
		m.logger.WithField("restore_id", rec.RestoreID).Warn("Restore validation failed, rolling back")
		m.autoRollback(ctx, held, rec)
	}

	err = m.finish(ctx, rec, true)
	auditEntry.Result = string(rec.Status)
	auditEntry.Details["status"] = rec.Status
	m.audit.Record(ctx, auditEntry)
	m.metrics.ObserveRestore(string(rec.Status), m.now().Sub(rec.StartedAt))
	if err != nil {
		done(err)
		return rec, err
	}
	if rec.Status == catalog.RestoreSuccess {
		done(nil)
	} else {
		done(fmt.Errorf("restore finished with status %s", rec.Status))
	}
	return rec, nil
}

// restorableBackends resolves the backend list for a restore from target
func (m *Manager) restorableBackends(target *catalog.BackupRecord, databases []string) ([]string, []string, error) {
	var warnings []string
	switch target.Status {
	case catalog.BackupExpired:
		return nil, nil, apperrors.NewInvalidState(fmt.Sprintf("backup %s has expired", target.BackupID), nil)
	case catalog.BackupInProgress:
		return nil, nil, apperrors.NewInvalidState(fmt.Sprintf("backup %s is still in progress", target.BackupID), nil)
	case catalog.BackupFailed:
		warnings = append(warnings, fmt.Sprintf(
			"backup %s is incomplete (%s failed); restoring only backends with an artifact",
			target.BackupID, strings.Join(sortedKeys(target.Errors), ", ")))
	}

	if len(databases) == 0 {
		databases = target.DatabasesBackedUp
	}
	if len(databases) == 0 {
		return nil, nil, apperrors.NewInvalidArgument(fmt.Sprintf("backup %s has no restorable artifacts", target.BackupID), nil)
	}

	selected, err := m.backends.Select(databases)
	if err != nil {
		return nil, nil, err
	}

	names := make([]string, 0, len(selected))
	for _, b := range selected {
		a, ok := target.Artifact(b.Name())
		if !ok || !a.Usable() {
			return nil, nil, apperrors.NewInvalidArgument(
				fmt.Sprintf("backup %s has no artifact for %s", target.BackupID, b.Name()), nil).WithBackend(b.Name())
		}
		names = append(names, b.Name())
	}
	return names, warnings, nil
}

// safetyBackup snapshots the current state before it is overwritten. A
// failed safety backup is reported as a warning and the restore proceeds.
func (m *Manager) safetyBackup(ctx context.Context, held *oplock.Held, backupID string) (string, string) {
	rec, err := m.backups.CreateBackupUnder(ctx, held, backup.Request{
		Type:        catalog.BackupManual,
		Compress:    true,
		Description: fmt.Sprintf("pre-restore safety backup before restoring %s", backupID),
	})
	if err != nil {
		return "", fmt.Sprintf("pre-restore safety backup failed: %v", err)
	}
	if rec.Status != catalog.BackupCompleted {
		return rec.BackupID, fmt.Sprintf("pre-restore safety backup %s is incomplete and cannot serve as a rollback target", rec.BackupID)
	}
	return rec.BackupID, ""
}

func (m *Manager) newRecord(backupID string, databases []string, validate bool) *catalog.RestoreRecord {
	return &catalog.RestoreRecord{
		RestoreID:         m.newID(),
		BackupID:          backupID,
		Databases:         databases,
		Validate:          validate,
		Status:            catalog.RestorePending,
		ValidationResults: map[string]catalog.ValidationResult{},
		Errors:            map[string]string{},
		StartedAt:         m.now(),
	}
}

// run restores every backend of rec from target, then validates when
// requested. It returns whether the restore passed.
func (m *Manager) run(ctx context.Context, rec *catalog.RestoreRecord, target *catalog.BackupRecord) bool {
	restoreErrs := m.restoreAll(ctx, rec.RestoreID, target, rec.Databases)
	for name, err := range restoreErrs {
		rec.Errors[name] = err.Error()
	}

	if !rec.Validate {
		if len(restoreErrs) > 0 {
			rec.Status = catalog.RestoreFailed
			return false
		}
		rec.Status = catalog.RestoreSuccess
		return true
	}

	results, passed := m.validate(ctx, rec.RestoreID, rec.Databases, target, restoreErrs)
	rec.ValidationResults = results
	for _, name := range rec.Databases {
		if results[name].CountDriftWarning {
			rec.Warnings = append(rec.Warnings, fmt.Sprintf(
				"%s count %d differs from %d recorded at backup time", name, results[name].Count, results[name].ExpectedCount))
		}
	}

	if passed {
		rec.Status = catalog.RestoreSuccess
	}
	return passed
}

// restoreAll loads and restores every artifact concurrently. Each backend
// gets its own timeout; one failure does not cancel the others.
func (m *Manager) restoreAll(ctx context.Context, restoreID string, target *catalog.BackupRecord, databases []string) map[string]error {
	errs := make([]error, len(databases))

	var g errgroup.Group
	for i, name := range databases {
		i, name := i, name
		g.Go(func() error {
			b, ok := m.backends.Get(name)
			if !ok {
				errs[i] = apperrors.NewInvalidArgument(fmt.Sprintf("unknown backend %q", name), nil)
				return nil
			}

			bctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			start := time.Now()
			snap, err := m.backups.LoadArtifact(bctx, target, name)
			if err == nil {
				err = b.Restore(bctx, snap)
			}
			if err != nil {
				err = m.classify.Classify(name, err, apperrors.KindRestore)
			}
			errs[i] = err

			m.logger.LogBackendOperation(name, "restore", time.Since(start), err)
			m.metrics.ObserveBackendOperation(name, "restore", time.Since(start), err)
			return nil
		})
	}
	_ = g.Wait()

	out := map[string]error{}
	for i, err := range errs {
		if err != nil {
			out[databases[i]] = err
		}
	}
	if len(out) > 0 {
		m.logger.WithFields(map[string]interface{}{
			"restore_id": restoreID,
			"failed":     sortedKeys(out),
		}).Warn("Some backends failed to restore")
	}
	return out
}

// finish stamps FinishedAt on terminal records and persists rec
func (m *Manager) finish(ctx context.Context, rec *catalog.RestoreRecord, terminal bool) error {
	if terminal {
		finished := m.now()
		rec.FinishedAt = &finished
	}
	return m.catalog.UpdateRestore(ctx, rec)
}

// GetRestore returns one restore record. A successful manual rollback of the
// restore is filled into RollbackRestoreID and RollbackBackupID on the
// returned copy; the stored record is not changed.
func (m *Manager) GetRestore(ctx context.Context, restoreID string) (*catalog.RestoreRecord, error) {
	rec, err := m.catalog.GetRestore(ctx, restoreID)
	if err != nil || rec.RollbackRestoreID != "" || rec.RollbackOf != "" {
		return rec, err
	}

	rb, err := m.catalog.SuccessfulRollbackOf(ctx, restoreID)
	switch {
	case err == nil:
		rec.RollbackRestoreID = rb.RestoreID
		rec.RollbackBackupID = rb.BackupID
	case !apperrors.IsNotFound(err):
		return nil, err
	}
	return rec, nil
}

// ListRestores returns restore history newest first
func (m *Manager) ListRestores(ctx context.Context, limit int) ([]*catalog.RestoreRecord, error) {
	return m.catalog.ListRestores(ctx, limit)
}

// ListRollbackPoints returns the completed backups a restore or rollback can
// target, newest first
func (m *Manager) ListRollbackPoints(ctx context.Context, limit int) ([]*catalog.BackupRecord, error) {
	return m.catalog.ListBackups(ctx, catalog.BackupFilter{Status: catalog.BackupCompleted, Limit: limit})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
