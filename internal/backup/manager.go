// Package backup creates point-in-time backups across the memory platform's
// stores, indexes them in the catalog and enforces retention.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"memvault/internal/artifact"
	"memvault/internal/backend"
	"memvault/internal/catalog"
	"memvault/internal/config"
	apperrors "memvault/internal/errors"
	"memvault/internal/logging"
	"memvault/internal/metrics"
	"memvault/internal/oplock"
)

// Request describes one backup
type Request struct {
	Type        catalog.BackupType
	Databases   []string // empty means every registered backend
	Compress    bool
	Description string
}

// Dependencies are the collaborators of a Manager. Logger, Audit and
// Metrics are optional.
type Dependencies struct {
	Backends  *backend.Set
	Catalog   *catalog.Catalog
	Store     *artifact.Store
	Codec     *artifact.Codec
	Lock      *oplock.Lock
	Retention config.RetentionConfig
	// Timeout bounds each backend's snapshot
	Timeout time.Duration
	Logger  *logging.Logger
	Audit   *logging.AuditLogger
	Metrics metrics.Recorder
	UserID  string
}

// Manager orchestrates backups. It shares its operation lock with the
// recovery manager so backups and restores never overlap.
type Manager struct {
	backends  *backend.Set
	catalog   *catalog.Catalog
	store     *artifact.Store
	codec     *artifact.Codec
	lock      *oplock.Lock
	retention config.RetentionConfig
	timeout   time.Duration
	logger    *logging.Logger
	audit     *logging.AuditLogger
	metrics   metrics.Recorder
	userID    string
	classify  *apperrors.Classifier

	now   func() time.Time
	newID func() string
}

// NewManager validates deps and builds a Manager
func NewManager(deps Dependencies) (*Manager, error) {
	if deps.Backends == nil || deps.Catalog == nil || deps.Store == nil || deps.Codec == nil || deps.Lock == nil {
		return nil, apperrors.NewConfigurationError("backup manager requires backends, catalog, store, codec and lock", nil)
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
	deps.Retention.SetDefaults()

	return &Manager{
		backends:  deps.Backends,
		catalog:   deps.Catalog,
		store:     deps.Store,
		codec:     deps.Codec,
		lock:      deps.Lock,
		retention: deps.Retention,
		timeout:   deps.Timeout,
		logger:    deps.Logger,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		userID:    deps.UserID,
		classify:  apperrors.NewClassifier(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
	}, nil
}

// Catalog returns the catalog the manager writes to
func (m *Manager) Catalog() *catalog.Catalog { return m.catalog }

// CreateBackup takes the operation lock and runs the backup. A running
// backup or restore makes it fail fast with a conflict error.
func (m *Manager) CreateBackup(ctx context.Context, req Request) (*catalog.BackupRecord, error) {
	held, err := m.lock.TryAcquire("backup")
	if err != nil {
		return nil, err
	}
	defer held.Release()

	return m.CreateBackupUnder(ctx, held, req)
}

// snapshotResult is one backend's outcome
type snapshotResult struct {
	backend  string
	snap     *backend.Snapshot
	err      error
	duration time.Duration
}

// CreateBackupUnder runs a backup for a caller that already holds the
// operation lock, such as the pre-restore safety backup.
//
// Every requested backend is snapshotted concurrently; one failing backend
// does not stop the others. The catalog entry is written once, after every
// result is known. The record's status is completed only when every
// requested backend produced an artifact.
func (m *Manager) CreateBackupUnder(ctx context.Context, held *oplock.Held, req Request) (*catalog.BackupRecord, error) {
	if !m.lock.Holds(held) {
		return nil, apperrors.NewInvalidState("backup requires the operation lock", nil)
	}
	if req.Type == "" {
		req.Type = catalog.BackupManual
	}
	if !req.Type.Valid() {
		return nil, apperrors.NewInvalidArgument(fmt.Sprintf("unknown backup type %q", req.Type), nil)
	}
	selected, err := m.backends.Select(req.Databases)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, apperrors.NewInvalidArgument("no backends to back up", nil)
	}

	rec := &catalog.BackupRecord{
		BackupID:    m.newID(),
		BackupType:  req.Type,
		Status:      catalog.BackupInProgress,
		Description: req.Description,
		Errors:      map[string]string{},
		CreatedAt:   m.now(),
	}
	rec.Location = artifact.BackupDir(string(rec.BackupType), rec.BackupID, rec.CreatedAt)
	for _, b := range selected {
		rec.DatabasesRequested = append(rec.DatabasesRequested, b.Name())
	}

	done := m.logger.LogOperationStart("create_backup", map[string]interface{}{
		"backup_id":   rec.BackupID,
		"backup_type": rec.BackupType,
		"databases":   rec.DatabasesRequested,
	})

	results := m.snapshotAll(ctx, selected)
	for _, r := range results {
		a := m.persistArtifact(ctx, rec, r, req.Compress)
		rec.Artifacts = append(rec.Artifacts, a)
		if a.Error != "" {
			rec.Errors[a.Backend] = a.Error
			continue
		}
		rec.DatabasesBackedUp = append(rec.DatabasesBackedUp, a.Backend)
		rec.TotalSizeBytes += a.SizeBytes
	}

	rec.Compressed = req.Compress && m.codec.Algorithm() != artifact.CompressionNone
	if rec.Compressed {
		rec.Compression = m.codec.Algorithm()
	}
	rec.Encrypted = m.codec.Encrypting()
	rec.Checksum = aggregateChecksum(rec.Artifacts)

	completedAt := m.now()
	rec.CompletedAt = &completedAt
	rec.Status = catalog.BackupCompleted
	if len(rec.Errors) > 0 {
		rec.Status = catalog.BackupFailed
	}

	if err := m.writeMetadata(ctx, rec); err != nil {
		rec.Warnings = append(rec.Warnings, fmt.Sprintf("metadata.json not written: %v", err))
		m.logger.WithField("backup_id", rec.BackupID).Warnf("Failed to write backup metadata: %v", err)
	}

	if err := m.catalog.SaveBackup(ctx, rec); err != nil {
		rec.Status = catalog.BackupFailed
		m.metrics.ObserveBackup(string(rec.BackupType), string(rec.Status), completedAt.Sub(rec.CreatedAt), rec.TotalSizeBytes)
		done(err)
		return rec, err
	}

	m.metrics.ObserveBackup(string(rec.BackupType), string(rec.Status), completedAt.Sub(rec.CreatedAt), rec.TotalSizeBytes)
	if rec.Status == catalog.BackupFailed {
		m.logger.WithFields(map[string]interface{}{
			"backup_id": rec.BackupID,
			"errors":    rec.Errors,
		}).Warn("Backup finished with failed backends")
	}
	done(nil)
	return rec, nil
}

// snapshotAll runs one snapshot per backend, each under its own timeout.
// Results come back in the order of backends.
func (m *Manager) snapshotAll(ctx context.Context, backends []backend.Backend) []snapshotResult {
	results := make([]snapshotResult, len(backends))

	// errgroup without a derived context: a failed backend must not cancel its siblings
	var g errgroup.Group
	for i, b := range backends {
		i, b := i, b
		g.Go(func() error {
			bctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			start := time.Now()
			snap, err := b.Snapshot(bctx)
			if err == nil && snap == nil {
				err = apperrors.NewSnapshotError(b.Name(), "adapter returned no snapshot", nil)
			}
			if err != nil {
				err = m.classify.Classify(b.Name(), err, apperrors.KindSnapshot)
			}
			results[i] = snapshotResult{backend: b.Name(), snap: snap, err: err, duration: time.Since(start)}

			m.logger.LogBackendOperation(b.Name(), "snapshot", results[i].duration, err)
			m.metrics.ObserveBackendOperation(b.Name(), "snapshot", results[i].duration, err)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// persistArtifact encodes and stores one snapshot. Failures become the
// artifact's Error rather than aborting the backup.
func (m *Manager) persistArtifact(ctx context.Context, rec *catalog.BackupRecord, r snapshotResult, compress bool) catalog.Artifact {
	a := catalog.Artifact{Backend: r.backend}
	if r.err != nil {
		a.Error = r.err.Error()
		return a
	}

	enc, err := m.codec.Encode(r.snap.Data, compress)
	if err != nil {
		a.Error = fmt.Sprintf("failed to encode artifact: %v", err)
		return a
	}

	key := path.Join(rec.Location, artifact.FileName(r.backend, r.snap.Format, enc.Compression, enc.Encrypted))
	if err := m.store.Put(ctx, key, enc.Data); err != nil {
		a.Error = fmt.Sprintf("failed to store artifact: %v", err)
		return a
	}

	a.Path = key
	a.Format = r.snap.Format
	a.SizeBytes = int64(len(enc.Data))
	a.Checksum = enc.Checksum
	a.ItemCount = r.snap.Items
	a.Compression = enc.Compression
	a.Encrypted = enc.Encrypted
	return a
}

func (m *Manager) writeMetadata(ctx context.Context, rec *catalog.BackupRecord) error {
	meta := &artifact.Metadata{
		BackupID:           rec.BackupID,
		BackupType:         string(rec.BackupType),
		Description:        rec.Description,
		CreatedAt:          rec.CreatedAt,
		Status:             string(rec.Status),
		Compression:        rec.Compression,
		Encrypted:          rec.Encrypted,
		DatabasesRequested: rec.DatabasesRequested,
		DatabasesBackedUp:  rec.DatabasesBackedUp,
		TotalSizeBytes:     rec.TotalSizeBytes,
		Checksum:           rec.Checksum,
		Errors:             rec.Errors,
	}
	if rec.CompletedAt != nil {
		meta.CompletedAt = *rec.CompletedAt
	}
	for _, a := range rec.Artifacts {
		if !a.Usable() {
			continue
		}
		meta.Artifacts = append(meta.Artifacts, artifact.ArtifactMetadata{
			Backend:   a.Backend,
			Path:      a.Path,
			SizeBytes: a.SizeBytes,
			Checksum:  a.Checksum,
			ItemCount: a.ItemCount,
		})
	}

	data, err := meta.Marshal()
	if err != nil {
		return err
	}
	return m.store.Put(ctx, path.Join(rec.Location, artifact.MetadataFile), data)
}

// ListBackups returns catalog entries newest first. backupType may be empty.
func (m *Manager) ListBackups(ctx context.Context, backupType catalog.BackupType, limit int) ([]*catalog.BackupRecord, error) {
	if backupType != "" && !backupType.Valid() {
		return nil, apperrors.NewInvalidArgument(fmt.Sprintf("unknown backup type %q", backupType), nil)
	}
	return m.catalog.ListBackups(ctx, catalog.BackupFilter{Type: backupType, Limit: limit})
}

// GetBackup returns one catalog entry
func (m *Manager) GetBackup(ctx context.Context, backupID string) (*catalog.BackupRecord, error) {
	if backupID == "" {
		return nil, apperrors.NewInvalidArgument("backup id is required", nil)
	}
	return m.catalog.GetBackup(ctx, backupID)
}

// LoadArtifact reads one backend's artifact, verifies its checksum and
// decodes it back into a snapshot
func (m *Manager) LoadArtifact(ctx context.Context, rec *catalog.BackupRecord, backendName string) (*backend.Snapshot, error) {
	a, ok := rec.Artifact(backendName)
	if !ok || !a.Usable() {
		return nil, apperrors.NewNotFound(
			fmt.Sprintf("backup %s has no artifact for %s", rec.BackupID, backendName), nil).WithBackend(backendName)
	}

	data, err := m.readVerified(ctx, a)
	if err != nil {
		return nil, err
	}

	plain, err := m.codec.Decode(data, a.Compression, a.Encrypted)
	if err != nil {
		return nil, apperrors.NewRestoreError(backendName, "failed to decode artifact", err)
	}

	return &backend.Snapshot{
		Backend: backendName,
		Format:  a.Format,
		Data:    plain,
		Items:   a.ItemCount,
		TakenAt: rec.CreatedAt,
	}, nil
}

func (m *Manager) readVerified(ctx context.Context, a catalog.Artifact) ([]byte, error) {
	data, err := m.store.Get(ctx, a.Path)
	if err != nil {
		return nil, err
	}
	if sum := artifact.Checksum(data); sum != a.Checksum {
		return nil, apperrors.NewStorageError(
			fmt.Sprintf("checksum mismatch for %s artifact", a.Backend), nil).
			WithBackend(a.Backend).
			WithContext("expected", a.Checksum).
			WithContext("actual", sum)
	}
	return data, nil
}

// aggregateChecksum hashes the per-artifact checksums in backend-name order
func aggregateChecksum(artifacts []catalog.Artifact) string {
	usable := make([]catalog.Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		if a.Usable() {
			usable = append(usable, a)
		}
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i].Backend < usable[j].Backend })

	h := sha256.New()
	for _, a := range usable {
		h.Write([]byte(a.Backend))
		h.Write([]byte{0})
		h.Write([]byte(a.Checksum))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
