package backup

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memvault/internal/artifact"
	"memvault/internal/backend/backendtest"
	"memvault/internal/catalog"
	"memvault/internal/config"
	apperrors "memvault/internal/errors"
	"memvault/internal/oplock"
)

type harness struct {
	manager *Manager
	fakes   map[string]*backendtest.Backend
	catalog *catalog.Catalog
	local   *artifact.LocalProvider
	lock    *oplock.Lock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	local, err := artifact.NewLocalProvider(config.LocalConfig{BasePath: filepath.Join(dir, "artifacts"), Permissions: "0755"})
	require.NoError(t, err)

	set, fakes := backendtest.Set(10)
	lock := oplock.New()
	m, err := NewManager(Dependencies{
		Backends: set,
		Catalog:  cat,
		Store:    artifact.NewStore(local, nil, nil),
		Codec:    artifact.NewCodecWith(artifact.CompressionZstd, 3, nil),
		Lock:     lock,
		Timeout:  time.Second,
	})
	require.NoError(t, err)

	return &harness{manager: m, fakes: fakes, catalog: cat, local: local, lock: lock}
}

func TestNewManager_RequiresDependencies(t *testing.T) {
	_, err := NewManager(Dependencies{})
	assert.True(t, apperrors.Is(err, apperrors.KindConfiguration))
}

func TestCreateBackup_AllBackendsSucceed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.manager.CreateBackup(ctx, Request{Type: catalog.BackupDaily, Compress: true, Description: "nightly"})
	require.NoError(t, err)

	assert.Equal(t, catalog.BackupCompleted, rec.Status)
	assert.ElementsMatch(t, []string{"postgres", "qdrant", "graph", "redis"}, rec.DatabasesBackedUp)
	assert.Empty(t, rec.Errors)
	assert.True(t, rec.Compressed)
	assert.Equal(t, artifact.CompressionZstd, rec.Compression)
	assert.NotEmpty(t, rec.Checksum)
	assert.Positive(t, rec.TotalSizeBytes)
	require.NotNil(t, rec.CompletedAt)

	stored, err := h.catalog.GetBackup(ctx, rec.BackupID)
	require.NoError(t, err)
	assert.Equal(t, catalog.BackupCompleted, stored.Status)
	assert.Len(t, stored.Artifacts, 4)

	keys, err := h.local.List(ctx, rec.Location)
	require.NoError(t, err)
	assert.Contains(t, keys, rec.Location+"/"+artifact.MetadataFile)
	assert.Contains(t, keys, rec.Location+"/postgres.fake.zstd")
}

func TestCreateBackup_PartialFailureKeepsSuccessfulArtifacts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fakes["qdrant"].FailSnapshot(errors.New("collection locked"))

	rec, err := h.manager.CreateBackup(ctx, Request{Type: catalog.BackupManual})
	require.NoError(t, err)

	assert.Equal(t, catalog.BackupFailed, rec.Status)
	assert.ElementsMatch(t, []string{"postgres", "graph", "redis"}, rec.DatabasesBackedUp)
	assert.Contains(t, rec.Errors, "qdrant")
	assert.False(t, rec.HasArtifact("qdrant"))
	assert.True(t, rec.HasArtifact("postgres"))

	stored, err := h.catalog.GetBackup(ctx, rec.BackupID)
	require.NoError(t, err)
	assert.Equal(t, catalog.BackupFailed, stored.Status)
	assert.Contains(t, stored.Errors["qdrant"], "collection locked")
}

func TestCreateBackup_TimeoutIsBackendFailureAndDoesNotCancelSiblings(t *testing.T) {
	h := newHarness(t)
	h.manager.timeout = 50 * time.Millisecond
	h.fakes["graph"].SetDelay(time.Second)

	rec, err := h.manager.CreateBackup(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, catalog.BackupFailed, rec.Status)
	assert.Contains(t, rec.Errors, "graph")
	assert.Contains(t, rec.Errors["graph"], "not reachable")
	assert.Len(t, rec.DatabasesBackedUp, 3)
}

func TestCreateBackup_SelectedDatabases(t *testing.T) {
	h := newHarness(t)

	rec, err := h.manager.CreateBackup(context.Background(), Request{Databases: []string{"postgres", "redis"}})
	require.NoError(t, err)

	assert.Equal(t, catalog.BackupManual, rec.BackupType)
	assert.Equal(t, []string{"postgres", "redis"}, rec.DatabasesRequested)
	assert.Equal(t, catalog.BackupCompleted, rec.Status)
	assert.Equal(t, 0, h.fakes["qdrant"].Snapshots())
}

func TestCreateBackup_RejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"unknown backend", Request{Databases: []string{"postgres", "mysql"}}},
		{"unknown type", Request{Type: "hourly"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.manager.CreateBackup(context.Background(), tt.req)
			assert.True(t, apperrors.Is(err, apperrors.KindInvalidArgument))
			assert.Equal(t, 0, h.fakes["postgres"].Snapshots())
		})
	}
}

func TestCreateBackup_ConflictWhileLockHeld(t *testing.T) {
	h := newHarness(t)
	held, err := h.lock.TryAcquire("restore")
	require.NoError(t, err)
	defer held.Release()

	_, err = h.manager.CreateBackup(context.Background(), Request{})
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))

	rec, err := h.manager.CreateBackupUnder(context.Background(), held, Request{Description: "safety"})
	require.NoError(t, err)
	assert.Equal(t, catalog.BackupCompleted, rec.Status)
}

func TestCreateBackupUnder_RequiresHeldLock(t *testing.T) {
	h := newHarness(t)
	held, err := h.lock.TryAcquire("restore")
	require.NoError(t, err)
	held.Release()

	_, err = h.manager.CreateBackupUnder(context.Background(), held, Request{})
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidState))
}

func TestLoadArtifact_RoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.manager.CreateBackup(ctx, Request{Compress: true})
	require.NoError(t, err)

	snap, err := h.manager.LoadArtifact(ctx, rec, "redis")
	require.NoError(t, err)
	assert.Equal(t, "redis-v1", string(snap.Data))
	assert.Equal(t, int64(10), snap.Items)
	assert.Equal(t, "fake", snap.Format)
}

func TestLoadArtifact_ChecksumMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.manager.CreateBackup(ctx, Request{})
	require.NoError(t, err)

	a, ok := rec.Artifact("postgres")
	require.True(t, ok)
	require.NoError(t, h.local.Put(ctx, a.Path, []byte("tampered")))

	_, err = h.manager.LoadArtifact(ctx, rec, "postgres")
	assert.True(t, apperrors.Is(err, apperrors.KindStorage))
}

func TestLoadArtifact_MissingBackend(t *testing.T) {
	h := newHarness(t)
	h.fakes["graph"].FailSnapshot(errors.New("boom"))

	rec, err := h.manager.CreateBackup(context.Background(), Request{})
	require.NoError(t, err)

	_, err = h.manager.LoadArtifact(context.Background(), rec, "graph")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestListBackups_NewestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := h.manager.CreateBackup(ctx, Request{Type: catalog.BackupDaily, Description: fmt.Sprint(i)})
		require.NoError(t, err)
		ids = append(ids, rec.BackupID)
	}
	_, err := h.manager.CreateBackup(ctx, Request{Type: catalog.BackupManual})
	require.NoError(t, err)

	daily, err := h.manager.ListBackups(ctx, catalog.BackupDaily, 0)
	require.NoError(t, err)
	require.Len(t, daily, 3)
	assert.Equal(t, ids[2], daily[0].BackupID)
	assert.Equal(t, ids[0], daily[2].BackupID)

	limited, err := h.manager.ListBackups(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = h.manager.ListBackups(ctx, "yearly", 0)
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidArgument))
}

func TestListBackups_RepeatableWithoutWrites(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.manager.CreateBackup(ctx, Request{Type: catalog.BackupDaily, Description: fmt.Sprint(i)})
		require.NoError(t, err)
	}

	first, err := h.manager.ListBackups(ctx, "", 0)
	require.NoError(t, err)
	second, err := h.manager.ListBackups(ctx, "", 0)
	require.NoError(t, err)

	require.Len(t, first, 2)
	assert.Equal(t, first, second)
}

func TestVerifyBackup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.manager.CreateBackup(ctx, Request{Compress: true})
	require.NoError(t, err)

	result, err := h.manager.VerifyBackup(ctx, rec.BackupID)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Len(t, result.Checks, 4)

	a, _ := rec.Artifact("qdrant")
	require.NoError(t, h.local.Put(ctx, a.Path, []byte("corrupt")))

	result, err = h.manager.VerifyBackup(ctx, rec.BackupID)
	require.NoError(t, err)
	assert.False(t, result.Valid)

	_, err = h.manager.VerifyBackup(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestAggregateChecksum_OrderIndependent(t *testing.T) {
	a := []catalog.Artifact{
		{Backend: "redis", Path: "r", Checksum: "2"},
		{Backend: "postgres", Path: "p", Checksum: "1"},
		{Backend: "qdrant", Error: "down"},
	}
	b := []catalog.Artifact{a[1], a[0]}

	assert.Equal(t, aggregateChecksum(a), aggregateChecksum(b))
	assert.NotEqual(t, aggregateChecksum(a), aggregateChecksum(a[:1]))
}
