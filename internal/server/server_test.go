package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memvault/internal/artifact"
	"memvault/internal/backend/backendtest"
	"memvault/internal/backup"
	"memvault/internal/catalog"
	"memvault/internal/config"
	"memvault/internal/dedup"
	apperrors "memvault/internal/errors"
	"memvault/internal/memory/memorytest"
	"memvault/internal/metrics"
	"memvault/internal/oplock"
	"memvault/internal/recovery"
	"memvault/internal/undo"
)

type harness struct {
	server  *Server
	backups *backup.Manager
	catalog *catalog.Catalog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	local, err := artifact.NewLocalProvider(config.LocalConfig{BasePath: filepath.Join(dir, "artifacts"), Permissions: "0755"})
	require.NoError(t, err)

	set, _ := backendtest.Set(3)
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

	rec, err := recovery.NewManager(recovery.Dependencies{
		Backends: set,
		Catalog:  cat,
		Backups:  backups,
		Lock:     lock,
		Timeout:  time.Second,
	})
	require.NoError(t, err)

	engine, err := dedup.NewEngine(dedup.Dependencies{
		Store:   memorytest.NewStore(),
		Index:   memorytest.NewIndex(),
		Catalog: cat,
		Ledger:  undo.NewLedger(cat, undo.Options{RetentionDays: 30}),
	})
	require.NoError(t, err)

	srv, err := New("127.0.0.1:0", Dependencies{
		Catalog:  cat,
		Backups:  backups,
		Recovery: rec,
		Dedup:    engine,
		Metrics:  metrics.New(),
	})
	require.NoError(t, err)

	return &harness{server: srv, backups: backups, catalog: cat}
}

func (h *harness) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v))
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(":0", Dependencies{})
	assert.True(t, apperrors.Is(err, apperrors.KindConfiguration))
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)

	rr := h.get(t, "/healthz")
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	decode(t, rr, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestHealthz_CatalogClosed(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.catalog.Close())

	rr := h.get(t, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)

	rr := h.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestBackupsEndpoints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rr := h.get(t, "/api/v1/backups")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rr.Body.String()))

	daily, err := h.backups.CreateBackup(ctx, backup.Request{Type: catalog.BackupDaily, Compress: true})
	require.NoError(t, err)
	_, err = h.backups.CreateBackup(ctx, backup.Request{Type: catalog.BackupManual, Compress: true})
	require.NoError(t, err)

	var all []catalog.BackupRecord
	decode(t, h.get(t, "/api/v1/backups"), &all)
	assert.Len(t, all, 2)

	var filtered []catalog.BackupRecord
	decode(t, h.get(t, "/api/v1/backups?type=daily"), &filtered)
	require.Len(t, filtered, 1)
	assert.Equal(t, daily.BackupID, filtered[0].BackupID)

	var one catalog.BackupRecord
	rr = h.get(t, "/api/v1/backups/"+daily.BackupID)
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &one)
	assert.Equal(t, catalog.BackupCompleted, one.Status)
	assert.Len(t, one.Artifacts, 4)
}

func TestBackupNotFound(t *testing.T) {
	h := newHarness(t)

	rr := h.get(t, "/api/v1/backups/missing")
	require.Equal(t, http.StatusNotFound, rr.Code)

	var body map[string]string
	decode(t, rr, &body)
	assert.Equal(t, string(apperrors.KindNotFound), body["error"])
}

func TestListLimitValidation(t *testing.T) {
	h := newHarness(t)

	for _, q := range []string{"abc", "0", "5000"} {
		rr := h.get(t, "/api/v1/restores?limit="+q)
		assert.Equal(t, http.StatusBadRequest, rr.Code, q)
	}
	assert.Equal(t, http.StatusOK, h.get(t, "/api/v1/restores?limit=10").Code)
}

func TestRollbackPointsAndRestores(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.backups.CreateBackup(ctx, backup.Request{Type: catalog.BackupWeekly})
	require.NoError(t, err)

	var points []catalog.BackupRecord
	decode(t, h.get(t, "/api/v1/rollback-points"), &points)
	assert.Len(t, points, 1)

	assert.Equal(t, http.StatusNotFound, h.get(t, "/api/v1/restores/nope").Code)
}

func TestDedupEndpoints(t *testing.T) {
	h := newHarness(t)

	var report dedup.Report
	rr := h.get(t, "/api/v1/dedup/report")
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &report)
	assert.Zero(t, report.TotalDeduplications)

	assert.Equal(t, http.StatusNotFound, h.get(t, "/api/v1/dedup/unknown").Code)
}

func TestOptionalRoutesNotMounted(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusNotFound, h.get(t, "/api/v1/jobs").Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperrors.NewNotFound("x", nil), http.StatusNotFound},
		{apperrors.NewInvalidArgument("x", nil), http.StatusBadRequest},
		{apperrors.NewConflict("x", nil), http.StatusConflict},
		{apperrors.NewInvalidState("x", nil), http.StatusConflict},
		{apperrors.NewBackendUnavailable("redis", "x", nil), http.StatusServiceUnavailable},
		{apperrors.NewStorageError("x", nil), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
