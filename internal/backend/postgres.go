package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"memvault/internal/config"
	apperrors "memvault/internal/errors"
)

// Postgres snapshots the relational+vector store table by table with
// binary COPY
type Postgres struct {
	name       string
	pool       *pgxpool.Pool
	tables     []string
	countTable string
}

// NewPostgres connects to the relational store. pgvector types are
// registered on every connection so vector columns round-trip.
func NewPostgres(ctx context.Context, cfg config.PostgresConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, apperrors.NewConfigurationError("invalid postgres dsn", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, apperrors.NewBackendUnavailable(config.BackendPostgres, "failed to create connection pool", err)
	}

	countTable := cfg.CountTable
	if countTable == "" && len(cfg.Tables) > 0 {
		countTable = cfg.Tables[0]
	}

	return &Postgres{
		name:       config.BackendPostgres,
		pool:       pool,
		tables:     cfg.Tables,
		countTable: countTable,
	}, nil
}

// Pool exposes the connection pool for the memory store
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *Postgres) Name() string { return p.name }
func (p *Postgres) Kind() Kind   { return KindRelational }

// Snapshot copies every configured table inside one repeatable-read,
// read-only transaction
func (p *Postgres) Snapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, snapshotFailure(p.name, err)
	}
	defer tx.Rollback(ctx)

	dumps, err := copyOut(ctx, tx, p.tables)
	if err != nil {
		return nil, snapshotFailure(p.name, err)
	}

	takenAt := time.Now().UTC()
	data, err := packTables(dumps, takenAt)
	if err != nil {
		return nil, apperrors.NewSnapshotError(p.name, "failed to pack table dumps", err)
	}

	return &Snapshot{
		Backend: p.name,
		Format:  formatCopyTar,
		Data:    data,
		Items:   rowsOf(dumps, p.countTable),
		TakenAt: takenAt,
	}, nil
}

// Restore truncates and reloads every table in the artifact in one transaction
func (p *Postgres) Restore(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.Format != formatCopyTar {
		return apperrors.NewRestoreError(p.name, "artifact is not a postgres copy archive", nil)
	}

	dumps, err := unpackTables(snap.Data)
	if err != nil {
		return apperrors.NewRestoreError(p.name, "artifact is corrupt", err)
	}

	return restoreTx(ctx, p.pool, p.name, dumps)
}

// CheckLiveness pings the pool
func (p *Postgres) CheckLiveness(ctx context.Context) error {
	return livenessFailure(p.name, p.pool.Ping(ctx))
}

// Count counts rows in the memories table
func (p *Postgres) Count(ctx context.Context) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", quoteTable(p.countTable))).Scan(&n)
	if err != nil {
		return 0, countFailure(p.name, err)
	}
	return n, nil
}

// Close releases the pool
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func restoreTx(ctx context.Context, pool *pgxpool.Pool, name string, dumps []tableDump) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return restoreFailure(name, err)
	}
	defer tx.Rollback(ctx)

	if err := copyIn(ctx, tx, dumps); err != nil {
		return restoreFailure(name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return restoreFailure(name, err)
	}
	return nil
}
