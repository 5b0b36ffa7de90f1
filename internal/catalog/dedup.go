package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "memvault/internal/errors"
)

const dedupColumns = `deduplication_id, status, agent_scope, similarity_threshold, merge_strategy,
	duplicate_groups, memories_scanned, merged_count, token_savings_estimate, undo_operation_id,
	safety_backup_id, decided_by, started_at, updated_at`

// SaveDedupRun inserts a new deduplication run
func (c *Catalog) SaveDedupRun(ctx context.Context, run *DedupRun) error {
	groups, err := encodeGroups(run.DuplicateGroups)
	if err != nil {
		return err
	}
	return c.inTx(ctx, "deduplication run", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO dedup_runs (`+dedupColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.DeduplicationID, string(run.Status), run.AgentScope, run.SimilarityThreshold,
			run.MergeStrategy, groups, run.MemoriesScanned, run.MergedCount, run.TokenSavingsEstimate,
			run.UndoOperationID, run.SafetyBackupID, run.DecidedBy,
			formatTime(run.StartedAt), formatTime(run.UpdatedAt))
		return err
	})
}

// UpdateDedupRun writes run only if the stored status is still from. This is
// how state transitions stay one-way under concurrent callers.
func (c *Catalog) UpdateDedupRun(ctx context.Context, run *DedupRun, from DedupStatus) error {
	groups, err := encodeGroups(run.DuplicateGroups)
	if err != nil {
		return err
	}
	return c.inTx(ctx, "deduplication run", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE dedup_runs SET
			status = ?, duplicate_groups = ?, merged_count = ?, token_savings_estimate = ?,
			undo_operation_id = ?, safety_backup_id = ?, decided_by = ?, updated_at = ?
			WHERE deduplication_id = ? AND status = ?`,
			string(run.Status), groups, run.MergedCount, run.TokenSavingsEstimate, run.UndoOperationID,
			run.SafetyBackupID, run.DecidedBy, formatTime(run.UpdatedAt),
			run.DeduplicationID, string(from))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var current string
			err := tx.QueryRowContext(ctx, `SELECT status FROM dedup_runs WHERE deduplication_id = ?`,
				run.DeduplicationID).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return apperrors.NewNotFound(fmt.Sprintf("deduplication %s not found", run.DeduplicationID), nil)
			}
			if err != nil {
				return err
			}
			return apperrors.NewInvalidState(
				fmt.Sprintf("deduplication %s is %s, expected %s", run.DeduplicationID, current, from), nil)
		}
		return nil
	})
}

// GetDedupRun loads one deduplication run
func (c *Catalog) GetDedupRun(ctx context.Context, id string) (*DedupRun, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+dedupColumns+` FROM dedup_runs WHERE deduplication_id = ?`, id)
	run, err := scanDedupRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound(fmt.Sprintf("deduplication %s not found", id), nil)
	}
	if err != nil {
		return nil, readError("deduplication run", err)
	}
	return run, nil
}

// ListDedupRuns returns runs newest first. limit <= 0 means all.
func (c *Catalog) ListDedupRuns(ctx context.Context, limit int) ([]*DedupRun, error) {
	query := `SELECT ` + dedupColumns + ` FROM dedup_runs ORDER BY started_at DESC, deduplication_id DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, readError("deduplication runs", err)
	}
	defer rows.Close()

	var runs []*DedupRun
	for rows.Next() {
		run, err := scanDedupRun(rows)
		if err != nil {
			return nil, readError("deduplication run", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, readError("deduplication runs", err)
	}
	return runs, nil
}

func encodeGroups(groups []DuplicateGroup) (string, error) {
	if groups == nil {
		groups = []DuplicateGroup{}
	}
	s, err := encodeJSON(groups)
	if err != nil {
		return "", apperrors.NewCatalogWriteError("failed to encode duplicate groups", err)
	}
	return s, nil
}

func scanDedupRun(s scanner) (*DedupRun, error) {
	var (
		run                  DedupRun
		status, groups       string
		startedAt, updatedAt string
	)
	err := s.Scan(&run.DeduplicationID, &status, &run.AgentScope, &run.SimilarityThreshold,
		&run.MergeStrategy, &groups, &run.MemoriesScanned, &run.MergedCount, &run.TokenSavingsEstimate,
		&run.UndoOperationID, &run.SafetyBackupID, &run.DecidedBy, &startedAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	run.Status = DedupStatus(status)
	if err := decodeJSON(groups, &run.DuplicateGroups); err != nil {
		return nil, err
	}
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if run.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &run, nil
}
