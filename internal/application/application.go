// Package application wires configuration, stores, managers and output into
// the object graph the CLI commands run against
package application

import (
	"context"
	"os"

	"memvault/internal/artifact"
	"memvault/internal/backend"
	"memvault/internal/backup"
	"memvault/internal/catalog"
	"memvault/internal/config"
	"memvault/internal/confirmation"
	"memvault/internal/dedup"
	"memvault/internal/display"
	apperrors "memvault/internal/errors"
	"memvault/internal/logging"
	"memvault/internal/memory"
	"memvault/internal/metrics"
	"memvault/internal/oplock"
	"memvault/internal/recovery"
	"memvault/internal/undo"
)

// Options are the process-level settings that do not live in the config file
type Options struct {
	Config  *config.Config
	Display *display.Config
	Verbose bool
	Quiet   bool
	// AssumeYes answers confirmation prompts
	AssumeYes bool
}

// Application holds every collaborator. They are built in dependency order
// and closed in reverse.
type Application struct {
	Config   *config.Config
	Logger   *logging.Logger
	Audit    *logging.AuditLogger
	Printer  *display.Printer
	Metrics  *metrics.Collectors
	Backends *backend.Set
	Catalog  *catalog.Catalog
	Backups  *backup.Manager
	Recovery *recovery.Manager
	Ledger   *undo.Ledger
	// Dedup is nil when the memory stores are not enabled; DedupErr says why
	Dedup    *dedup.Engine
	DedupErr error

	assumeYes bool
	closers   []func() error
}

// New connects to everything the commands use. On failure whatever was
// already opened is closed again.
func New(ctx context.Context, opts Options) (*Application, error) {
	if opts.Config == nil {
		return nil, apperrors.NewConfigurationError("configuration is required", nil)
	}
	cfg := opts.Config

	level := logging.LogLevel(cfg.Logging.Level)
	switch {
	case opts.Verbose:
		level = logging.LogLevelVerbose
	case opts.Quiet:
		level = logging.LogLevelQuiet
	}
	logger, err := logging.NewLogger(logging.Config{
		Level:   level,
		Output:  os.Stderr,
		Format:  cfg.Logging.Format,
		LogFile: cfg.Logging.File,
	})
	if err != nil {
		return nil, apperrors.NewConfigurationError("failed to create logger", err)
	}

	audit, err := logging.NewAuditLogger(cfg.Logging.AuditFile)
	if err != nil {
		return nil, apperrors.NewConfigurationError("failed to open audit log", err)
	}

	app := &Application{
		Config:    cfg,
		Logger:    logger,
		Audit:     audit,
		Printer:   display.New(opts.Display),
		Metrics:   metrics.New(),
		assumeYes: opts.AssumeYes,
	}
	if err := app.wire(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (app *Application) wire(ctx context.Context) error {
	cfg := app.Config

	backends, err := backend.Open(ctx, cfg.Backends)
	if err != nil {
		return err
	}
	app.Backends = backends
	app.closers = append(app.closers, backends.Close)

	cat, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	app.Catalog = cat
	app.closers = append(app.closers, cat.Close)

	store, err := artifact.NewStoreFromConfig(ctx, cfg.Storage, func(msg string, err error) {
		app.Logger.WithField("error", err).Warn(msg)
	})
	if err != nil {
		return err
	}
	codec, err := artifact.NewCodec(cfg.Compression, cfg.Encryption)
	if err != nil {
		return err
	}

	lock := oplock.New()
	app.Backups, err = backup.NewManager(backup.Dependencies{
		Backends:  backends,
		Catalog:   cat,
		Store:     store,
		Codec:     codec,
		Lock:      lock,
		Retention: cfg.Retention,
		Timeout:   cfg.OperationTimeout,
		Logger:    app.Logger,
		Audit:     app.Audit,
		Metrics:   app.Metrics,
		UserID:    cfg.UserID,
	})
	if err != nil {
		return err
	}

	app.Recovery, err = recovery.NewManager(recovery.Dependencies{
		Backends: backends,
		Catalog:  cat,
		Backups:  app.Backups,
		Lock:     lock,
		Config:   cfg.Recovery,
		Timeout:  cfg.OperationTimeout,
		Logger:   app.Logger,
		Audit:    app.Audit,
		Metrics:  app.Metrics,
		UserID:   cfg.UserID,
	})
	if err != nil {
		return err
	}

	app.Ledger = undo.NewLedger(cat, undo.Options{
		RetentionDays: cfg.Undo.RetentionDays,
		Logger:        app.Logger,
		Audit:         app.Audit,
		Metrics:       app.Metrics,
	})

	app.Dedup, app.DedupErr = app.wireDedup()
	return nil
}

// wireDedup needs the memory table in postgres and the qdrant collection.
// Without them dedup fails but backup and restore still work.
func (app *Application) wireDedup() (*dedup.Engine, error) {
	pgBackend, ok := app.Backends.Get(config.BackendPostgres)
	if !ok {
		return nil, apperrors.NewConfigurationError("deduplication requires the postgres backend", nil)
	}
	qdBackend, ok := app.Backends.Get(config.BackendQdrant)
	if !ok {
		return nil, apperrors.NewConfigurationError("deduplication requires the qdrant backend", nil)
	}
	pg, ok := pgBackend.(*backend.Postgres)
	if !ok {
		return nil, apperrors.NewConfigurationError("postgres backend does not expose a connection pool", nil)
	}
	qd, ok := qdBackend.(*backend.Qdrant)
	if !ok || qd.Client() == nil {
		return nil, apperrors.NewConfigurationError("qdrant backend does not expose a client", nil)
	}

	store, err := memory.OpenPostgresStore(pg.Pool(), app.Config.Backends.Postgres.CountTable)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, store.Close)

	return dedup.NewEngine(dedup.Dependencies{
		Store:   store,
		Index:   memory.NewQdrantIndex(qd.Client(), qd.Collection()),
		Catalog: app.Catalog,
		Ledger:  app.Ledger,
		Backups: app.Backups,
		Config:  app.Config.Dedup,
		Logger:  app.Logger,
		Audit:   app.Audit,
		Metrics: app.Metrics,
	})
}

// RequireDedup returns the engine or the reason it is unavailable
func (app *Application) RequireDedup() (*dedup.Engine, error) {
	if app.Dedup == nil {
		return nil, app.DedupErr
	}
	return app.Dedup, nil
}

// Confirm asks before a destructive operation unless AssumeYes was set
func (app *Application) Confirm(ctx context.Context, req confirmation.Request) (bool, error) {
	return confirmation.New(app.Printer).Confirm(ctx, req, app.assumeYes)
}

// Close releases connections in reverse order of opening. It is idempotent.
func (app *Application) Close() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			app.Logger.WithField("error", err).Warn("Failed to close resource")
		}
	}
	app.closers = nil
}
