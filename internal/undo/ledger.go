// Package undo keeps the append-only ledger of reversible operations.
//
// An entry is reversed at most once. Its payload can be purged after the
// retention window, after which the operation can only be reverted by
// restoring a backup taken before it.
package undo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"memvault/internal/catalog"
	apperrors "memvault/internal/errors"
	"memvault/internal/logging"
	"memvault/internal/metrics"
)

// Operation types recorded by the deduplication engine
const (
	OperationDelete = "delete"
	OperationMerge  = "merge"
	OperationOther  = "other"
)

const unavailableGuidance = "the pre-operation snapshot is no longer available; restore a backup taken before the operation instead"

// Reverser undoes one kind of operation from its recorded payload and
// reports how many items it restored
type Reverser interface {
	Reverse(ctx context.Context, entry *catalog.UndoEntry) (int, error)
}

// ReverserFunc adapts a function to Reverser
type ReverserFunc func(ctx context.Context, entry *catalog.UndoEntry) (int, error)

func (f ReverserFunc) Reverse(ctx context.Context, entry *catalog.UndoEntry) (int, error) {
	return f(ctx, entry)
}

// Result describes a completed undo
type Result struct {
	OperationID   string `json:"operation_id"`
	OperationType string `json:"operation_type"`
	RestoredCount int    `json:"restored_count"`
	Status        string `json:"status"`
}

// Options configures a Ledger
type Options struct {
	RetentionDays int
	Logger        *logging.Logger
	Audit         *logging.AuditLogger
	Metrics       metrics.Recorder
}

// Ledger records and reverses operations. Writers serialize through mu.
type Ledger struct {
	catalog   *catalog.Catalog
	retention time.Duration
	logger    *logging.Logger
	audit     *logging.AuditLogger
	metrics   metrics.Recorder

	mu        sync.Mutex
	reversers map[string]Reverser

	now func() time.Time
}

// NewLedger creates a ledger backed by the catalog
func NewLedger(cat *catalog.Catalog, opts Options) *Ledger {
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 30
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	return &Ledger{
		catalog:   cat,
		retention: time.Duration(opts.RetentionDays) * 24 * time.Hour,
		logger:    opts.Logger,
		audit:     opts.Audit,
		metrics:   opts.Metrics,
		reversers: map[string]Reverser{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Register installs the reverser for operationType, replacing any previous one
func (l *Ledger) Register(operationType string, r Reverser) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reversers[operationType] = r
}

// Record appends an entry and returns its operation id. Ids are ULIDs, so
// they sort by creation time.
func (l *Ledger) Record(ctx context.Context, operationType, userID, description string, payload []byte) (string, error) {
	if operationType == "" {
		return "", apperrors.NewInvalidArgument("operation type is required", nil)
	}
	if len(payload) == 0 {
		return "", apperrors.NewInvalidArgument("undo payload is empty", nil)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry := &catalog.UndoEntry{
		OperationID:   ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		OperationType: operationType,
		UserID:        userID,
		Description:   description,
		Payload:       payload,
		CreatedAt:     now,
	}
	if err := l.catalog.AppendUndo(ctx, entry); err != nil {
		return "", err
	}

	l.logger.WithFields(map[string]interface{}{
		"operation_id":   entry.OperationID,
		"operation_type": operationType,
		"user_id":        userID,
		"payload_bytes":  len(payload),
	}).Debug("Recorded undo entry")
	return entry.OperationID, nil
}

// ListUndoable returns the entries userID can still undo, newest first. An
// empty userID lists every user's entries.
func (l *Ledger) ListUndoable(ctx context.Context, userID string) ([]*catalog.UndoEntry, error) {
	return l.catalog.ListUndoable(ctx, userID)
}

// Get returns one entry
func (l *Ledger) Get(ctx context.Context, operationID string) (*catalog.UndoEntry, error) {
	return l.catalog.GetUndo(ctx, operationID)
}

// UndoLast reverses the newest undoable entry of userID
func (l *Ledger) UndoLast(ctx context.Context, userID string) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err := l.catalog.LatestUndoable(ctx, userID)
	if err != nil {
		return nil, err
	}
	return l.reverse(ctx, entry, userID)
}

// Undo reverses one entry by id
func (l *Ledger) Undo(ctx context.Context, operationID, userID string) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err := l.catalog.GetUndo(ctx, operationID)
	if err != nil {
		return nil, err
	}
	return l.reverse(ctx, entry, userID)
}

// reverse claims the entry by marking it consumed, then runs the registered
// reverser. The claim is released again when the reverser fails, so a
// reversal never runs twice for one entry. Callers hold mu.
func (l *Ledger) reverse(ctx context.Context, entry *catalog.UndoEntry, userID string) (*Result, error) {
	if entry.Consumed {
		return nil, apperrors.NewInvalidState(fmt.Sprintf("operation %s was already undone", entry.OperationID), nil)
	}
	if !entry.HasPayload() {
		l.metrics.ObserveUndo(entry.OperationType, "unavailable")
		return nil, apperrors.NewUndoUnavailable(unavailableGuidance, nil).WithContext("operation_id", entry.OperationID)
	}

	r, ok := l.reversers[entry.OperationType]
	if !ok {
		return nil, apperrors.NewInvalidState(
			fmt.Sprintf("no reverser registered for operation type %q", entry.OperationType), nil)
	}

	audit := logging.AuditEntry{
		UserID:   userID,
		Resource: "undo",
		Action:   entry.OperationType,
		Details: map[string]interface{}{
			"operation_id": entry.OperationID,
			"recorded_by":  entry.UserID,
		},
	}

	if err := l.catalog.MarkUndoConsumed(ctx, entry.OperationID, l.now()); err != nil {
		l.metrics.ObserveUndo(entry.OperationType, "failed")
		return nil, err
	}

	restored, err := r.Reverse(ctx, entry)
	if err != nil {
		if rerr := l.catalog.ReleaseUndo(ctx, entry.OperationID); rerr != nil {
			// The entry stays consumed; the operation can still be reverted
			// from a backup
			l.logger.WithField("operation_id", entry.OperationID).Warnf("Failed to release undo entry: %v", rerr)
			audit.Details["release_error"] = rerr.Error()
		}
		audit.Result = "failed"
		audit.Details["error"] = err.Error()
		l.audit.Record(ctx, audit)
		l.metrics.ObserveUndo(entry.OperationType, "failed")
		return nil, err
	}

	audit.Result = "success"
	audit.Details["restored_count"] = restored
	l.audit.Record(ctx, audit)
	l.metrics.ObserveUndo(entry.OperationType, "success")
	l.logger.WithFields(map[string]interface{}{
		"operation_id":   entry.OperationID,
		"operation_type": entry.OperationType,
		"restored_count": restored,
	}).Info("Operation undone")

	return &Result{
		OperationID:   entry.OperationID,
		OperationType: entry.OperationType,
		RestoredCount: restored,
		Status:        "undone",
	}, nil
}

// Purge drops the payloads of entries created before olderThan. The entries
// themselves stay for audit.
func (l *Ledger) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, err := l.catalog.PurgeUndoPayloads(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.WithFields(map[string]interface{}{
			"purged":     n,
			"older_than": olderThan.Format(time.RFC3339),
		}).Info("Purged undo payloads")
	}
	return n, nil
}

// PurgeExpired purges payloads older than the retention window at now
func (l *Ledger) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return l.Purge(ctx, now.Add(-l.retention))
}
