package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "memvault/internal/errors"
)

const backupColumns = `backup_id, backup_type, status, description, location, databases_requested,
	databases_backed_up, total_size_bytes, compressed, compression, encrypted, checksum, errors,
	warnings, created_at, completed_at`

const artifactColumns = `backend, path, format, size_bytes, checksum, item_count, compression, encrypted, error`

// SaveBackup writes the backup row and its artifact rows in one transaction.
// Saving an existing id replaces the record.
func (c *Catalog) SaveBackup(ctx context.Context, rec *BackupRecord) error {
	requested, err := encodeJSON(nonNilStrings(rec.DatabasesRequested))
	if err != nil {
		return apperrors.NewCatalogWriteError("failed to encode databases_requested", err)
	}
	backedUp, err := encodeJSON(nonNilStrings(rec.DatabasesBackedUp))
	if err != nil {
		return apperrors.NewCatalogWriteError("failed to encode databases_backed_up", err)
	}
	errs, err := encodeJSON(nonNilMap(rec.Errors))
	if err != nil {
		return apperrors.NewCatalogWriteError("failed to encode backup errors", err)
	}
	warnings, err := encodeJSON(nonNilStrings(rec.Warnings))
	if err != nil {
		return apperrors.NewCatalogWriteError("failed to encode backup warnings", err)
	}

	return c.inTx(ctx, "backup record", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM backup_artifacts WHERE backup_id = ?`, rec.BackupID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO backups (`+backupColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.BackupID, string(rec.BackupType), string(rec.Status), rec.Description, rec.Location,
			requested, backedUp, rec.TotalSizeBytes, boolInt(rec.Compressed), rec.Compression,
			boolInt(rec.Encrypted), rec.Checksum, errs, warnings,
			formatTime(rec.CreatedAt), formatTimePtr(rec.CompletedAt))
		if err != nil {
			return err
		}

		for _, a := range rec.Artifacts {
			_, err := tx.ExecContext(ctx, `INSERT INTO backup_artifacts (backup_id, `+artifactColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				rec.BackupID, a.Backend, a.Path, a.Format, a.SizeBytes, a.Checksum, a.ItemCount,
				a.Compression, boolInt(a.Encrypted), a.Error)
			if err != nil {
				return fmt.Errorf("artifact %s: %w", a.Backend, err)
			}
		}
		return nil
	})
}

// UpdateBackupStatus changes the status of an existing backup
func (c *Catalog) UpdateBackupStatus(ctx context.Context, backupID string, status BackupStatus) error {
	return c.inTx(ctx, "backup status", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE backups SET status = ? WHERE backup_id = ?`, string(status), backupID)
		if err != nil {
			return err
		}
		return requireRow(res, "backup", backupID)
	})
}

// GetBackup loads one backup with its artifacts
func (c *Catalog) GetBackup(ctx context.Context, backupID string) (*BackupRecord, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+backupColumns+` FROM backups WHERE backup_id = ?`, backupID)
	rec, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound(fmt.Sprintf("backup %s not found", backupID), nil)
	}
	if err != nil {
		return nil, readError("backup", err)
	}
	if err := c.loadArtifacts(ctx, []*BackupRecord{rec}); err != nil {
		return nil, err
	}
	return rec, nil
}

// BackupFilter narrows ListBackups. Zero values match everything.
type BackupFilter struct {
	Type   BackupType
	Status BackupStatus
	Limit  int
}

// ListBackups returns matching backups, newest first
func (c *Catalog) ListBackups(ctx context.Context, filter BackupFilter) ([]*BackupRecord, error) {
	var where []string
	var args []interface{}
	if filter.Type != "" {
		where = append(where, "backup_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + backupColumns + ` FROM backups`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, backup_id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return c.queryBackups(ctx, query, args...)
}

// LatestCompletedBefore returns the newest completed backup created strictly
// before t, skipping excludeID. NotFound when there is none.
func (c *Catalog) LatestCompletedBefore(ctx context.Context, t time.Time, excludeID string) (*BackupRecord, error) {
	recs, err := c.queryBackups(ctx, `SELECT `+backupColumns+` FROM backups
		WHERE status = ? AND created_at < ? AND backup_id <> ?
		ORDER BY created_at DESC, backup_id DESC LIMIT 1`,
		string(BackupCompleted), formatTime(t), excludeID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, apperrors.NewNotFound("no completed backup precedes the restore", nil)
	}
	return recs[0], nil
}

// DeleteBackup removes a backup and its artifact rows
func (c *Catalog) DeleteBackup(ctx context.Context, backupID string) error {
	return c.inTx(ctx, "backup deletion", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM backup_artifacts WHERE backup_id = ?`, backupID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM backups WHERE backup_id = ?`, backupID)
		if err != nil {
			return err
		}
		return requireRow(res, "backup", backupID)
	})
}

func (c *Catalog) queryBackups(ctx context.Context, query string, args ...interface{}) ([]*BackupRecord, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, readError("backups", err)
	}
	defer rows.Close()

	var recs []*BackupRecord
	for rows.Next() {
		rec, err := scanBackup(rows)
		if err != nil {
			return nil, readError("backup", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, readError("backups", err)
	}
	if err := c.loadArtifacts(ctx, recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (c *Catalog) loadArtifacts(ctx context.Context, recs []*BackupRecord) error {
	for _, rec := range recs {
		rows, err := c.db.QueryContext(ctx,
			`SELECT `+artifactColumns+` FROM backup_artifacts WHERE backup_id = ? ORDER BY backend`, rec.BackupID)
		if err != nil {
			return readError("backup artifacts", err)
		}

		rec.Artifacts = nil
		for rows.Next() {
			var a Artifact
			var encrypted int
			if err := rows.Scan(&a.Backend, &a.Path, &a.Format, &a.SizeBytes, &a.Checksum, &a.ItemCount,
				&a.Compression, &encrypted, &a.Error); err != nil {
				rows.Close()
				return readError("backup artifact", err)
			}
			a.Encrypted = encrypted != 0
			rec.Artifacts = append(rec.Artifacts, a)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return readError("backup artifacts", err)
		}
	}
	return nil
}

func scanBackup(s scanner) (*BackupRecord, error) {
	var (
		rec                                 BackupRecord
		backupType, status                  string
		requested, backedUp, errs, warnings string
		compressed, encrypted               int
		createdAt                           string
		completedAt                         sql.NullString
	)
	err := s.Scan(&rec.BackupID, &backupType, &status, &rec.Description, &rec.Location, &requested,
		&backedUp, &rec.TotalSizeBytes, &compressed, &rec.Compression, &encrypted, &rec.Checksum,
		&errs, &warnings, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}

	rec.BackupType = BackupType(backupType)
	rec.Status = BackupStatus(status)
	rec.Compressed = compressed != 0
	rec.Encrypted = encrypted != 0

	if err := decodeJSON(requested, &rec.DatabasesRequested); err != nil {
		return nil, err
	}
	if err := decodeJSON(backedUp, &rec.DatabasesBackedUp); err != nil {
		return nil, err
	}
	if err := decodeJSON(errs, &rec.Errors); err != nil {
		return nil, err
	}
	if err := decodeJSON(warnings, &rec.Warnings); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func requireRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NewNotFound(fmt.Sprintf("%s %s not found", what, id), nil)
	}
	return nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
