package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "memvault/internal/errors"
)

const undoColumns = `operation_id, operation_type, user_id, description, payload, created_at, consumed, consumed_at`

// AppendUndo inserts an undo entry. Entries are never rewritten except for
// the consumed flag and payload purge.
func (c *Catalog) AppendUndo(ctx context.Context, e *UndoEntry) error {
	return c.inTx(ctx, "undo entry", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO undo_entries (`+undoColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.OperationID, e.OperationType, e.UserID, e.Description, e.Payload,
			formatTime(e.CreatedAt), boolInt(e.Consumed), formatTimePtr(e.ConsumedAt))
		return err
	})
}

// GetUndo loads one undo entry
func (c *Catalog) GetUndo(ctx context.Context, operationID string) (*UndoEntry, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+undoColumns+` FROM undo_entries WHERE operation_id = ?`, operationID)
	e, err := scanUndo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound(fmt.Sprintf("undo operation %s not found", operationID), nil)
	}
	if err != nil {
		return nil, readError("undo entry", err)
	}
	return e, nil
}

// ListUndoable returns unconsumed entries that still carry a payload, newest
// first. An empty userID lists every user's entries.
func (c *Catalog) ListUndoable(ctx context.Context, userID string) ([]*UndoEntry, error) {
	return c.queryUndo(ctx, userID, 0)
}

// LatestUndoable returns the newest undoable entry for userID
func (c *Catalog) LatestUndoable(ctx context.Context, userID string) (*UndoEntry, error) {
	entries, err := c.queryUndo(ctx, userID, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, apperrors.NewNotFound("no undoable operation found", nil)
	}
	return entries[0], nil
}

func (c *Catalog) queryUndo(ctx context.Context, userID string, limit int) ([]*UndoEntry, error) {
	query := `SELECT ` + undoColumns + ` FROM undo_entries
		WHERE consumed = 0 AND payload IS NOT NULL AND length(payload) > 0`
	var args []interface{}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY created_at DESC, operation_id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, readError("undo entries", err)
	}
	defer rows.Close()

	var entries []*UndoEntry
	for rows.Next() {
		e, err := scanUndo(rows)
		if err != nil {
			return nil, readError("undo entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, readError("undo entries", err)
	}
	return entries, nil
}

// MarkUndoConsumed flips consumed once. A second call fails with InvalidState.
func (c *Catalog) MarkUndoConsumed(ctx context.Context, operationID string, at time.Time) error {
	return c.inTx(ctx, "undo consumption", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE undo_entries SET consumed = 1, consumed_at = ? WHERE operation_id = ? AND consumed = 0`,
			formatTime(at), operationID)
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
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM undo_entries WHERE operation_id = ?`, operationID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NewNotFound(fmt.Sprintf("undo operation %s not found", operationID), nil)
		}
		if err != nil {
			return err
		}
		return apperrors.NewInvalidState(fmt.Sprintf("undo operation %s was already undone", operationID), nil)
	})
}

// ReleaseUndo clears a consumed flag set by MarkUndoConsumed so the entry
// can be undone again. It is used when the reversal behind the flag failed.
func (c *Catalog) ReleaseUndo(ctx context.Context, operationID string) error {
	return c.inTx(ctx, "undo release", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE undo_entries SET consumed = 0, consumed_at = NULL WHERE operation_id = ? AND consumed = 1`,
			operationID)
		if err != nil {
			return err
		}
		return requireRow(res, "consumed undo operation", operationID)
	})
}

// PurgeUndoPayloads drops the payload of entries created before cutoff and
// returns how many were purged. The entries stay for audit.
func (c *Catalog) PurgeUndoPayloads(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := c.inTx(ctx, "undo purge", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE undo_entries SET payload = NULL WHERE created_at < ? AND payload IS NOT NULL`,
			formatTime(cutoff))
		if err != nil {
			return err
		}
		purged, err = res.RowsAffected()
		return err
	})
	return purged, err
}

func scanUndo(s scanner) (*UndoEntry, error) {
	var (
		e          UndoEntry
		createdAt  string
		consumed   int
		consumedAt sql.NullString
	)
	err := s.Scan(&e.OperationID, &e.OperationType, &e.UserID, &e.Description, &e.Payload,
		&createdAt, &consumed, &consumedAt)
	if err != nil {
		return nil, err
	}

	e.Consumed = consumed != 0
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.ConsumedAt, err = parseTimePtr(consumedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
