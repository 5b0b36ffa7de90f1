package recovery

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memvault/internal/artifact"
	"memvault/internal/backend"
	"memvault/internal/backend/backendtest"
	"memvault/internal/backup"
	"memvault/internal/catalog"
	"memvault/internal/config"
	apperrors "memvault/internal/errors"
	"memvault/internal/oplock"
)

var errDown = errors.New("connection refused by test")

type harness struct {
	recovery *Manager
	backups  *backup.Manager
	catalog  *catalog.Catalog
	fakes    map[string]*backendtest.Backend
	lock     *oplock.Lock
}

func newHarness(t *testing.T, preRestoreBackup bool) *harness {
	t.Helper()
	dir := t.TempDir()

	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	local, err := artifact.NewLocalProvider(config.LocalConfig{BasePath: filepath.Join(dir, "artifacts"), Permissions: "0755"})
	require.NoError(t, err)

	set, fakes := backendtest.Set(10)
	lock := oplock.New()

	backups, err := backup.NewManager(backup.Dependencies{
		Backends: set,
		Catalog:  cat,
		Store:    artifact.NewStore(local, nil, nil),
		Codec:    artifact.NewCodecWith(artifact.CompressionGzip, 6, nil),
		Lock:     lock,
		Timeout:  time.Second,
	})
	require.NoError(t, err)

	rec, err := NewManager(Dependencies{
		Backends: set,
		Catalog:  cat,
		Backups:  backups,
		Lock:     lock,
		Config:   config.RecoveryConfig{PreRestoreBackup: preRestoreBackup, CountTolerance: 0.05},
		Timeout:  time.Second,
	})
	require.NoError(t, err)

	return &harness{recovery: rec, backups: backups, catalog: cat, fakes: fakes, lock: lock}
}

func (h *harness) backup(t *testing.T) *catalog.BackupRecord {
	t.Helper()
	rec, err := h.backups.CreateBackup(context.Background(), backup.Request{Type: catalog.BackupDaily, Compress: true})
	require.NoError(t, err)
	return rec
}

// failLivenessOn makes b unhealthy after restoring a snapshot holding bad
// and healthy after restoring anything else
func failLivenessOn(b *backendtest.Backend, bad string) {
	b.RestoreHook = func(snap *backend.Snapshot) error {
		if string(snap.Data) == bad {
			b.SetLiveness(errDown)
		} else {
			b.SetLiveness(nil)
		}
		return nil
	}
}

func TestNewManager_RequiresDependencies(t *testing.T) {
	_, err := NewManager(Dependencies{})
	assert.True(t, apperrors.Is(err, apperrors.KindConfiguration))
}

func TestRestoreFromBackup_Success(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	b1 := h.backup(t)
	h.fakes["postgres"].SetState("postgres-v2", 12)
	h.fakes["redis"].SetState("redis-v2", 4)

	rec, err := h.recovery.RestoreFromBackup(ctx, b1.BackupID, nil, true)
	require.NoError(t, err)

	assert.Equal(t, catalog.RestoreSuccess, rec.Status)
	assert.ElementsMatch(t, []string{"postgres", "qdrant", "graph", "redis"}, rec.Databases)
	assert.Equal(t, "postgres-v1", h.fakes["postgres"].State())
	assert.Equal(t, "redis-v1", h.fakes["redis"].State())
	require.NotNil(t, rec.FinishedAt)
	for _, name := range rec.Databases {
		assert.True(t, rec.ValidationResults[name].Valid, name)
		assert.True(t, rec.ValidationResults[name].Live, name)
		assert.Equal(t, int64(10), rec.ValidationResults[name].ExpectedCount, name)
	}

	require.NotEmpty(t, rec.SafetyBackupID)
	safety, err := h.catalog.GetBackup(ctx, rec.SafetyBackupID)
	require.NoError(t, err)
	assert.Equal(t, catalog.BackupManual, safety.BackupType)

	stored, err := h.catalog.GetRestore(ctx, rec.RestoreID)
	require.NoError(t, err)
	assert.Equal(t, catalog.RestoreSuccess, stored.Status)
}

func TestRestoreFromBackup_RequiresBackupID(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.recovery.RestoreFromBackup(context.Background(), "", nil, true)
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidArgument))
}

func TestRestoreFromBackup_RejectsBadTargets(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown backup", func(t *testing.T) {
		h := newHarness(t, false)
		_, err := h.recovery.RestoreFromBackup(ctx, "nope", nil, true)
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("expired backup", func(t *testing.T) {
		h := newHarness(t, false)
		b := h.backup(t)
		require.NoError(t, h.catalog.UpdateBackupStatus(ctx, b.BackupID, catalog.BackupExpired))
		_, err := h.recovery.RestoreFromBackup(ctx, b.BackupID, nil, true)
		assert.True(t, apperrors.Is(err, apperrors.KindInvalidState))
	})

	t.Run("unknown backend", func(t *testing.T) {
		h := newHarness(t, false)
		b := h.backup(t)
		_, err := h.recovery.RestoreFromBackup(ctx, b.BackupID, []string{"mongo"}, true)
		assert.True(t, apperrors.Is(err, apperrors.KindInvalidArgument))
	})

	t.Run("backend without artifact", func(t *testing.T) {
		h := newHarness(t, false)
		h.fakes["graph"].FailSnapshot(errDown)
		b := h.backup(t)
		_, err := h.recovery.RestoreFromBackup(ctx, b.BackupID, []string{"graph"}, true)
		assert.True(t, apperrors.Is(err, apperrors.KindInvalidArgument))
		assert.Empty(t, h.fakes["graph"].Restores())
	})
}

func TestRestoreFromBackup_FailedBackupRestoresAvailableArtifacts(t *testing.T) {
	h := newHarness(t, false)
	h.fakes["graph"].FailSnapshot(errDown)
	b := h.backup(t)
	require.Equal(t, catalog.BackupFailed, b.Status)

	rec, err := h.recovery.RestoreFromBackup(context.Background(), b.BackupID, nil, true)
	require.NoError(t, err)

	assert.Equal(t, catalog.RestoreSuccess, rec.Status)
	assert.NotContains(t, rec.Databases, "graph")
	require.NotEmpty(t, rec.Warnings)
	assert.Contains(t, rec.Warnings[0], "incomplete")
}

func TestRestoreFromBackup_ValidationFailureRollsBackOnce(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	good := h.backup(t)
	h.fakes["qdrant"].SetState("qdrant-bad", 10)
	bad := h.backup(t)
	failLivenessOn(h.fakes["qdrant"], "qdrant-bad")

	rec, err := h.recovery.RestoreFromBackup(ctx, bad.BackupID, nil, true)
	require.NoError(t, err)

	assert.Equal(t, catalog.RestoreRolledBack, rec.Status)
	assert.Equal(t, good.BackupID, rec.RollbackBackupID)
	assert.False(t, rec.ValidationResults["qdrant"].Valid)
	assert.Equal(t, "qdrant-v1", h.fakes["qdrant"].State())

	rb, err := h.catalog.GetRestore(ctx, rec.RollbackRestoreID)
	require.NoError(t, err)
	assert.Equal(t, catalog.RestoreSuccess, rb.Status)
	assert.Equal(t, rec.RestoreID, rb.RollbackOf)
	assert.Equal(t, good.BackupID, rb.BackupID)

	latest, err := h.catalog.LatestRestore(ctx)
	require.NoError(t, err)
	assert.Equal(t, rec.RestoreID, latest.RestoreID)
}

func TestRestoreFromBackup_RollbackUsesSafetyBackup(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.backup(t)
	h.fakes["qdrant"].SetState("qdrant-bad", 10)
	bad := h.backup(t)
	h.fakes["qdrant"].SetState("qdrant-v3", 10)
	failLivenessOn(h.fakes["qdrant"], "qdrant-bad")

	rec, err := h.recovery.RestoreFromBackup(ctx, bad.BackupID, nil, true)
	require.NoError(t, err)

	assert.Equal(t, catalog.RestoreRolledBack, rec.Status)
	assert.Equal(t, rec.SafetyBackupID, rec.RollbackBackupID)
	assert.Equal(t, "qdrant-v3", h.fakes["qdrant"].State())
}

func TestRestoreFromBackup_RollbackFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	h.backup(t)
	target := h.backup(t)
	h.fakes["redis"].SetLiveness(errDown)

	rec, err := h.recovery.RestoreFromBackup(ctx, target.BackupID, nil, true)
	require.NoError(t, err)

	assert.Equal(t, catalog.RestoreFailed, rec.Status)
	assert.Contains(t, rec.Message, "manually")
	require.NotEmpty(t, rec.RollbackRestoreID)

	rb, err := h.catalog.GetRestore(ctx, rec.RollbackRestoreID)
	require.NoError(t, err)
	assert.Equal(t, catalog.RestoreFailed, rb.Status)
	assert.Empty(t, rb.RollbackRestoreID)

	// the restore itself plus exactly one rollback
	assert.Len(t, h.fakes["redis"].Restores(), 2)

	all, err := h.catalog.ListRestores(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRestoreFromBackup_NoRollbackCandidate(t *testing.T) {
	h := newHarness(t, false)
	only := h.backup(t)
	h.fakes["graph"].SetLiveness(errDown)

	rec, err := h.recovery.RestoreFromBackup(context.Background(), only.BackupID, nil, true)
	require.NoError(t, err)

	assert.Equal(t, catalog.RestoreFailed, rec.Status)
	assert.Empty(t, rec.RollbackRestoreID)
	assert.Contains(t, rec.Message, "no completed backup")
}

func TestRestoreFromBackup_CountDriftIsWarningOnly(t *testing.T) {
	h := newHarness(t, false)
	b := h.backup(t)
	h.fakes["postgres"].OverrideCount(1000)

	rec, err := h.recovery.RestoreFromBackup(context.Background(), b.BackupID, []string{"postgres"}, true)
	require.NoError(t, err)

	assert.Equal(t, catalog.RestoreSuccess, rec.Status)
	r := rec.ValidationResults["postgres"]
	assert.True(t, r.Valid)
	assert.True(t, r.CountDriftWarning)
	assert.Equal(t, int64(1000), r.Count)
	assert.NotEmpty(t, rec.Warnings)
}

func TestRestoreFromBackup_WithoutValidation(t *testing.T) {
	h := newHarness(t, false)
	h.backup(t)
	b := h.backup(t)
	h.fakes["graph"].FailRestore(errors.New("truncate rejected"))
	h.fakes["redis"].SetLiveness(errDown)

	rec, err := h.recovery.RestoreFromBackup(context.Background(), b.BackupID, nil, false)
	require.NoError(t, err)

	assert.Equal(t, catalog.RestoreFailed, rec.Status)
	assert.Contains(t, rec.Errors["graph"], "truncate rejected")
	assert.Empty(t, rec.ValidationResults)
	assert.Empty(t, rec.RollbackRestoreID)
	assert.Len(t, h.fakes["graph"].Restores(), 1)
	assert.Equal(t, "postgres-v1", h.fakes["postgres"].State())
}

func TestRestoreFromBackup_RestoreErrorFailsValidation(t *testing.T) {
	h := newHarness(t, false)
	h.backup(t)
	b := h.backup(t)
	calls := 0
	h.fakes["postgres"].RestoreHook = func(*backend.Snapshot) error {
		calls++
		if calls == 1 {
			return errors.New("copy failed")
		}
		return nil
	}

	rec, err := h.recovery.RestoreFromBackup(context.Background(), b.BackupID, nil, true)
	require.NoError(t, err)

	assert.Equal(t, catalog.RestoreRolledBack, rec.Status)
	assert.False(t, rec.ValidationResults["postgres"].Valid)
	assert.Contains(t, rec.Errors["postgres"], "copy failed")
}

func TestRestoreFromBackup_ConflictWhileBusy(t *testing.T) {
	h := newHarness(t, false)
	b := h.backup(t)

	held, err := h.lock.TryAcquire("backup")
	require.NoError(t, err)
	defer held.Release()

	_, err = h.recovery.RestoreFromBackup(context.Background(), b.BackupID, nil, true)
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))

	_, err = h.recovery.RollbackLastRestore(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))
}

func TestRollbackLastRestore(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.recovery.RollbackLastRestore(ctx)
	assert.True(t, apperrors.IsNotFound(err))

	first := h.backup(t)
	h.fakes["postgres"].SetState("postgres-v2", 10)
	second := h.backup(t)

	restored, err := h.recovery.RestoreFromBackup(ctx, second.BackupID, nil, true)
	require.NoError(t, err)
	require.Equal(t, catalog.RestoreSuccess, restored.Status)

	rb, err := h.recovery.RollbackLastRestore(ctx)
	require.NoError(t, err)
	assert.Equal(t, catalog.RestoreSuccess, rb.Status)
	assert.Equal(t, first.BackupID, rb.BackupID)
	assert.Equal(t, restored.RestoreID, rb.RollbackOf)
	assert.Equal(t, "postgres-v1", h.fakes["postgres"].State())

	// The finished restore record is never rewritten
	stored, err := h.catalog.GetRestore(ctx, restored.RestoreID)
	require.NoError(t, err)
	assert.Equal(t, catalog.RestoreSuccess, stored.Status)
	assert.Empty(t, stored.RollbackRestoreID)
	assert.Equal(t, restored.Message, stored.Message)

	// The rollback link is resolved when reading
	original, err := h.recovery.GetRestore(ctx, restored.RestoreID)
	require.NoError(t, err)
	assert.Equal(t, catalog.RestoreSuccess, original.Status)
	assert.Equal(t, rb.RestoreID, original.RollbackRestoreID)
	assert.Equal(t, first.BackupID, original.RollbackBackupID)

	_, err = h.recovery.RollbackLastRestore(ctx)
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidState))
}

func TestRollbackLastRestore_NoTarget(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	only := h.backup(t)
	_, err := h.recovery.RestoreFromBackup(ctx, only.BackupID, nil, false)
	require.NoError(t, err)

	_, err = h.recovery.RollbackLastRestore(ctx)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestValidateRestoredData(t *testing.T) {
	h := newHarness(t, false)
	h.fakes["qdrant"].SetLiveness(errDown)
	h.fakes["redis"].FailCount(errors.New("dbsize failed"))

	results, err := h.recovery.ValidateRestoredData(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.True(t, results["postgres"].Valid)
	assert.Equal(t, int64(10), results["postgres"].Count)
	assert.False(t, results["qdrant"].Valid)
	assert.False(t, results["qdrant"].Live)
	assert.NotEmpty(t, results["qdrant"].Error)
	assert.True(t, results["redis"].Live)
	assert.False(t, results["redis"].Valid)

	_, err = h.recovery.ValidateRestoredData(context.Background(), []string{"mysql"})
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidArgument))
}

func TestListRestoresAndRollbackPoints(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	h.fakes["graph"].FailSnapshot(errDown)
	failed := h.backup(t)
	h.fakes["graph"].FailSnapshot(nil)
	good := h.backup(t)

	for i := 0; i < 3; i++ {
		_, err := h.recovery.RestoreFromBackup(ctx, good.BackupID, nil, false)
		require.NoError(t, err)
	}

	restores, err := h.recovery.ListRestores(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, restores, 2)
	assert.True(t, !restores[0].StartedAt.Before(restores[1].StartedAt))

	points, err := h.recovery.ListRollbackPoints(ctx, 0)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, good.BackupID, points[0].BackupID)
	assert.NotEqual(t, failed.BackupID, points[0].BackupID)
}

func TestCountDrift(t *testing.T) {
	tests := []struct {
		got, want int64
		tolerance float64
		drift     bool
	}{
		{100, 100, 0.05, false},
		{104, 100, 0.05, false},
		{106, 100, 0.05, true},
		{94, 100, 0.05, true},
		{1, 0, 0.05, true},
		{0, 0, 0, false},
		{10, 11, 0, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.drift, countDrift(tt.got, tt.want, tt.tolerance), "got=%d want=%d", tt.got, tt.want)
	}
}
