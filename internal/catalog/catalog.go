// Package catalog is the durable index of backups, restores, deduplication
// runs and undo entries, kept in SQLite.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"memvault/internal/catalog/migrations"
	apperrors "memvault/internal/errors"
)

// timeLayout is fixed width so text comparison orders timestamps
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Catalog wraps the SQLite database
type Catalog struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the catalog at path and migrates it to the
// latest schema. path may be ":memory:".
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path))
	if err != nil {
		return nil, apperrors.NewStorageError("failed to open catalog", err)
	}
	// One connection: SQLite allows a single writer, and ":memory:" is per connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperrors.NewStorageError(fmt.Sprintf("failed to open catalog %s", path), err)
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, apperrors.NewStorageError("failed to migrate catalog schema", err)
	}
	return &Catalog{db: db, path: path}, nil
}

// NewFromDB wraps an already prepared database
func NewFromDB(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

// Close closes the database
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Ping checks the database is reachable
func (c *Catalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// inTx runs fn in a transaction; any failure is a catalog write error
func (c *Catalog) inTx(ctx context.Context, what string, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewCatalogWriteError(fmt.Sprintf("failed to begin %s", what), err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if apperrors.KindOf(err) != apperrors.KindUnknown {
			return err
		}
		return apperrors.NewCatalogWriteError(fmt.Sprintf("failed to write %s", what), err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.NewCatalogWriteError(fmt.Sprintf("failed to commit %s", what), err)
	}
	return nil
}

func readError(what string, err error) error {
	return apperrors.NewStorageError(fmt.Sprintf("failed to read %s", what), err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSON(s string, v interface{}) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}
