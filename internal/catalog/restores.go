package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "memvault/internal/errors"
)

const restoreColumns = `restore_id, backup_id, databases, validate, status, validation_results, errors,
	warnings, message, rollback_of, rollback_restore_id, rollback_backup_id, safety_backup_id,
	started_at, finished_at`

// SaveRestore inserts a new restore record
func (c *Catalog) SaveRestore(ctx context.Context, rec *RestoreRecord) error {
	args, err := restoreArgs(rec)
	if err != nil {
		return err
	}
	return c.inTx(ctx, "restore record", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO restores (`+restoreColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
		return err
	})
}

// UpdateRestore rewrites every mutable field of a restore record that has
// not finished yet. Terminal records are immutable.
func (c *Catalog) UpdateRestore(ctx context.Context, rec *RestoreRecord) error {
	args, err := restoreArgs(rec)
	if err != nil {
		return err
	}
	return c.inTx(ctx, "restore record", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE restores SET
			backup_id = ?, databases = ?, validate = ?, status = ?, validation_results = ?, errors = ?,
			warnings = ?, message = ?, rollback_of = ?, rollback_restore_id = ?, rollback_backup_id = ?,
			safety_backup_id = ?, started_at = ?, finished_at = ?
			WHERE restore_id = ? AND finished_at IS NULL`, append(args[1:], args[0])...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM restores WHERE restore_id = ?`, rec.RestoreID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NewNotFound(fmt.Sprintf("restore %s not found", rec.RestoreID), nil)
		}
		if err != nil {
			return err
		}
		return apperrors.NewInvalidState(fmt.Sprintf("restore %s has finished and can no longer change", rec.RestoreID), nil)
	})
}

// GetRestore loads one restore record
func (c *Catalog) GetRestore(ctx context.Context, restoreID string) (*RestoreRecord, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+restoreColumns+` FROM restores WHERE restore_id = ?`, restoreID)
	rec, err := scanRestore(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound(fmt.Sprintf("restore %s not found", restoreID), nil)
	}
	if err != nil {
		return nil, readError("restore", err)
	}
	return rec, nil
}

// ListRestores returns restores newest first. limit <= 0 means all.
func (c *Catalog) ListRestores(ctx context.Context, limit int) ([]*RestoreRecord, error) {
	query := `SELECT ` + restoreColumns + ` FROM restores ORDER BY started_at DESC, restore_id DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return c.queryRestores(ctx, query, args...)
}

// LatestRestore returns the newest restore that is not itself a rollback
func (c *Catalog) LatestRestore(ctx context.Context) (*RestoreRecord, error) {
	recs, err := c.queryRestores(ctx, `SELECT `+restoreColumns+` FROM restores
		WHERE rollback_of = '' ORDER BY started_at DESC, restore_id DESC LIMIT 1`)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, apperrors.NewNotFound("no restore has been performed", nil)
	}
	return recs[0], nil
}

// SuccessfulRollbackOf returns the newest successful rollback of restoreID
func (c *Catalog) SuccessfulRollbackOf(ctx context.Context, restoreID string) (*RestoreRecord, error) {
	recs, err := c.queryRestores(ctx, `SELECT `+restoreColumns+` FROM restores
		WHERE rollback_of = ? AND status = ? ORDER BY started_at DESC, restore_id DESC LIMIT 1`,
		restoreID, string(RestoreSuccess))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, apperrors.NewNotFound(fmt.Sprintf("restore %s has not been rolled back", restoreID), nil)
	}
	return recs[0], nil
}

func (c *Catalog) queryRestores(ctx context.Context, query string, args ...interface{}) ([]*RestoreRecord, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, readError("restores", err)
	}
	defer rows.Close()

	var recs []*RestoreRecord
	for rows.Next() {
		rec, err := scanRestore(rows)
		if err != nil {
			return nil, readError("restore", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, readError("restores", err)
	}
	return recs, nil
}

func restoreArgs(rec *RestoreRecord) ([]interface{}, error) {
	databases, err := encodeJSON(nonNilStrings(rec.Databases))
	if err != nil {
		return nil, apperrors.NewCatalogWriteError("failed to encode restore databases", err)
	}
	results := rec.ValidationResults
	if results == nil {
		results = map[string]ValidationResult{}
	}
	validation, err := encodeJSON(results)
	if err != nil {
		return nil, apperrors.NewCatalogWriteError("failed to encode validation results", err)
	}
	errs, err := encodeJSON(nonNilMap(rec.Errors))
	if err != nil {
		return nil, apperrors.NewCatalogWriteError("failed to encode restore errors", err)
	}
	warnings, err := encodeJSON(nonNilStrings(rec.Warnings))
	if err != nil {
		return nil, apperrors.NewCatalogWriteError("failed to encode restore warnings", err)
	}

	return []interface{}{
		rec.RestoreID, rec.BackupID, databases, boolInt(rec.Validate), string(rec.Status), validation,
		errs, warnings, rec.Message, rec.RollbackOf, rec.RollbackRestoreID, rec.RollbackBackupID,
		rec.SafetyBackupID, formatTime(rec.StartedAt), formatTimePtr(rec.FinishedAt),
	}, nil
}

func scanRestore(s scanner) (*RestoreRecord, error) {
	var (
		rec                                 RestoreRecord
		databases, status, validation, errs string
		warnings, startedAt                 string
		validate                            int
		finishedAt                          sql.NullString
	)
	err := s.Scan(&rec.RestoreID, &rec.BackupID, &databases, &validate, &status, &validation, &errs,
		&warnings, &rec.Message, &rec.RollbackOf, &rec.RollbackRestoreID, &rec.RollbackBackupID,
		&rec.SafetyBackupID, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	rec.Validate = validate != 0
	rec.Status = RestoreStatus(status)
	if err := decodeJSON(databases, &rec.Databases); err != nil {
		return nil, err
	}
	if err := decodeJSON(validation, &rec.ValidationResults); err != nil {
		return nil, err
	}
	if err := decodeJSON(errs, &rec.Errors); err != nil {
		return nil, err
	}
	if err := decodeJSON(warnings, &rec.Warnings); err != nil {
		return nil, err
	}
	if rec.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if rec.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}
