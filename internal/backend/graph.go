package backend

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"memvault/internal/config"
	apperrors "memvault/internal/errors"
)

var graphNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const labelTablesQuery = `
SELECT n.nspname, c.relname, l.seq_name
FROM ag_catalog.ag_label l
JOIN ag_catalog.ag_graph g ON g.graphid = l.graph
JOIN pg_class c ON c.oid = l.relation
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE g.name = $1
ORDER BY l.id`

// Graph snapshots an Apache AGE graph by copying its native label tables
type Graph struct {
	name      string
	graphName string
	pool      *pgxpool.Pool
}

type labelTable struct {
	Table    string
	Sequence string
}

// NewGraph connects to the AGE database. Every connection loads the
// extension so cypher() resolves.
func NewGraph(ctx context.Context, cfg config.GraphConfig) (*Graph, error) {
	if !graphNamePattern.MatchString(cfg.GraphName) {
		return nil, apperrors.NewConfigurationError(fmt.Sprintf("invalid graph name %q", cfg.GraphName), nil)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, apperrors.NewConfigurationError("invalid graph dsn", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, "LOAD 'age'"); err != nil {
			return err
		}
		_, err := conn.Exec(ctx, `SET search_path = ag_catalog, "$user", public`)
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, apperrors.NewBackendUnavailable(config.BackendGraph, "failed to create connection pool", err)
	}

	return &Graph{name: config.BackendGraph, graphName: cfg.GraphName, pool: pool}, nil
}

func (g *Graph) Name() string { return g.name }
func (g *Graph) Kind() Kind   { return KindGraph }

func (g *Graph) labelTables(ctx context.Context, q pgx.Tx) ([]labelTable, error) {
	rows, err := q.Query(ctx, labelTablesQuery, g.graphName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var labels []labelTable
	for rows.Next() {
		var schema, table, seq string
		if err := rows.Scan(&schema, &table, &seq); err != nil {
			return nil, err
		}
		labels = append(labels, labelTable{Table: schema + "." + table, Sequence: schema + "." + seq})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("graph %q has no label tables", g.graphName)
	}
	return labels, nil
}

// Snapshot copies every label table of the graph plus the label id
// sequences inside one repeatable-read transaction
func (g *Graph) Snapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := g.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, snapshotFailure(g.name, err)
	}
	defer tx.Rollback(ctx)

	labels, err := g.labelTables(ctx, tx)
	if err != nil {
		return nil, snapshotFailure(g.name, err)
	}

	tables := make([]string, len(labels))
	for i, l := range labels {
		tables[i] = l.Table
	}
	dumps, err := copyOut(ctx, tx, tables)
	if err != nil {
		return nil, snapshotFailure(g.name, err)
	}

	for _, l := range labels {
		var last int64
		if err := tx.QueryRow(ctx, fmt.Sprintf("SELECT last_value FROM %s", quoteTable(l.Sequence))).Scan(&last); err != nil {
			return nil, snapshotFailure(g.name, fmt.Errorf("read sequence %s: %w", l.Sequence, err))
		}
		dumps = append(dumps, tableDump{Table: l.Sequence, Data: []byte(strconv.FormatInt(last, 10)), Sequence: true})
	}

	items, err := g.countWith(ctx, tx)
	if err != nil {
		return nil, snapshotFailure(g.name, err)
	}

	takenAt := time.Now().UTC()
	data, err := packTables(dumps, takenAt)
	if err != nil {
		return nil, apperrors.NewSnapshotError(g.name, "failed to pack label tables", err)
	}

	return &Snapshot{
		Backend: g.name,
		Format:  formatCopyTar,
		Data:    data,
		Items:   items,
		TakenAt: takenAt,
	}, nil
}

// Restore reloads the label tables in one transaction. The graph itself must
// already exist.
func (g *Graph) Restore(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.Format != formatCopyTar {
		return apperrors.NewRestoreError(g.name, "artifact is not a graph copy archive", nil)
	}

	dumps, err := unpackTables(snap.Data)
	if err != nil {
		return apperrors.NewRestoreError(g.name, "artifact is corrupt", err)
	}

	prefix := g.graphName + "."
	for _, d := range dumps {
		if !strings.HasPrefix(d.Table, prefix) {
			return apperrors.NewRestoreError(g.name,
				fmt.Sprintf("artifact entry %s does not belong to graph %s", d.Table, g.graphName), nil)
		}
	}

	return restoreTx(ctx, g.pool, g.name, dumps)
}

// CheckLiveness verifies the graph is registered in ag_catalog
func (g *Graph) CheckLiveness(ctx context.Context) error {
	var exists bool
	err := g.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM ag_catalog.ag_graph WHERE name = $1)", g.graphName).Scan(&exists)
	if err != nil {
		return livenessFailure(g.name, err)
	}
	if !exists {
		return livenessFailure(g.name, fmt.Errorf("graph %q does not exist", g.graphName))
	}
	return nil
}

// Count returns the number of vertices
func (g *Graph) Count(ctx context.Context) (int64, error) {
	var raw string
	if err := g.pool.QueryRow(ctx, g.countQuery()).Scan(&raw); err != nil {
		return 0, countFailure(g.name, err)
	}
	n, err := parseAgtypeInt(raw)
	if err != nil {
		return 0, countFailure(g.name, err)
	}
	return n, nil
}

func (g *Graph) countWith(ctx context.Context, tx pgx.Tx) (int64, error) {
	var raw string
	if err := tx.QueryRow(ctx, g.countQuery()).Scan(&raw); err != nil {
		return 0, err
	}
	return parseAgtypeInt(raw)
}

// countQuery embeds the graph name, which cypher() only accepts as a constant.
// The name is validated against graphNamePattern at construction.
func (g *Graph) countQuery() string {
	return fmt.Sprintf(
		"SELECT c::text FROM ag_catalog.cypher('%s', $$ MATCH (n) RETURN count(n) $$) AS (c ag_catalog.agtype)",
		g.graphName)
}

// Close releases the pool
func (g *Graph) Close() error {
	g.pool.Close()
	return nil
}

// parseAgtypeInt reads an integer agtype rendered as text, e.g. "42" or "42::integer"
func parseAgtypeInt(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, "::"); i >= 0 {
		raw = raw[:i]
	}
	n, err := strconv.ParseInt(strings.Trim(raw, `"`), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected agtype count %q: %w", raw, err)
	}
	return n, nil
}
