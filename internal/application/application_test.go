package application

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memvault/internal/config"
	"memvault/internal/confirmation"
	"memvault/internal/display"
	apperrors "memvault/internal/errors"
)

// testConfig enables only redis, whose client connects lazily, so New
// succeeds without any server running
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Backends.Enabled = []string{config.BackendRedis}
	cfg.Catalog.Path = filepath.Join(dir, "catalog.db")
	cfg.Storage.Local.BasePath = filepath.Join(dir, "artifacts")
	cfg.Logging.AuditFile = ""
	return cfg
}

func testDisplay() *display.Config {
	dcfg := display.DefaultConfig()
	dcfg.Color = display.ColorNever
	dcfg.Writer = &bytes.Buffer{}
	dcfg.ErrWriter = &bytes.Buffer{}
	return dcfg
}

func TestNew(t *testing.T) {
	app, err := New(context.Background(), Options{Config: testConfig(t), Display: testDisplay()})
	require.NoError(t, err)
	defer app.Close()

	assert.NotNil(t, app.Logger)
	assert.NotNil(t, app.Printer)
	assert.NotNil(t, app.Metrics)
	assert.NotNil(t, app.Catalog)
	assert.NotNil(t, app.Backups)
	assert.NotNil(t, app.Recovery)
	assert.NotNil(t, app.Ledger)

	_, ok := app.Backends.Get(config.BackendRedis)
	assert.True(t, ok)
	require.NoError(t, app.Catalog.Ping(context.Background()))
}

func TestNew_DedupUnavailableWithoutMemoryStores(t *testing.T) {
	app, err := New(context.Background(), Options{Config: testConfig(t), Display: testDisplay()})
	require.NoError(t, err)
	defer app.Close()

	assert.Nil(t, app.Dedup)
	engine, err := app.RequireDedup()
	assert.Nil(t, engine)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConfiguration, apperrors.KindOf(err))
	assert.Contains(t, err.Error(), "postgres")
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(context.Background(), Options{Display: testDisplay()})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConfiguration, apperrors.KindOf(err))
}

func TestNew_LogLevels(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		quiet   bool
	}{
		{"normal", false, false},
		{"verbose", true, false},
		{"quiet", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, err := New(context.Background(), Options{
				Config:  testConfig(t),
				Display: testDisplay(),
				Verbose: tt.verbose,
				Quiet:   tt.quiet,
			})
			require.NoError(t, err)
			app.Close()
		})
	}
}

func TestNew_InvalidStorageClosesOpenedResources(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Offsite = []config.OffsiteConfig{{Provider: "ftp"}}

	_, err := New(context.Background(), Options{Config: cfg, Display: testDisplay()})
	require.Error(t, err)
}

func TestClose_Idempotent(t *testing.T) {
	app, err := New(context.Background(), Options{Config: testConfig(t), Display: testDisplay()})
	require.NoError(t, err)

	app.Close()
	app.Close()
	assert.Error(t, app.Catalog.Ping(context.Background()))
}

func TestConfirm_AssumeYes(t *testing.T) {
	app, err := New(context.Background(), Options{
		Config:    testConfig(t),
		Display:   testDisplay(),
		AssumeYes: true,
	})
	require.NoError(t, err)
	defer app.Close()

	ok, err := app.Confirm(context.Background(), confirmationRequest())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewScheduler(t *testing.T) {
	app, err := New(context.Background(), Options{Config: testConfig(t), Display: testDisplay()})
	require.NoError(t, err)
	defer app.Close()

	sched, err := app.NewScheduler()
	require.NoError(t, err)
	assert.NotEmpty(t, sched.Jobs())
}

func confirmationRequest() confirmation.Request {
	return confirmation.Request{Action: "Delete everything", Summary: [][2]string{{"Scope", "all"}}}
}
