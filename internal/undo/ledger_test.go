package undo

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memvault/internal/catalog"
	apperrors "memvault/internal/errors"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return NewLedger(cat, Options{RetentionDays: 7})
}

type countingReverser struct {
	calls    []string
	restored int
	err      error
}

func (r *countingReverser) Reverse(ctx context.Context, e *catalog.UndoEntry) (int, error) {
	r.calls = append(r.calls, e.OperationID)
	return r.restored, r.err
}

func TestRecord_OrderedIDs(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	first, err := l.Record(ctx, OperationDelete, "alice", "dedup run 1", []byte(`{"a":1}`))
	require.NoError(t, err)
	second, err := l.Record(ctx, OperationMerge, "alice", "dedup run 2", []byte(`{"b":2}`))
	require.NoError(t, err)

	assert.Len(t, first, 26)
	assert.Less(t, first, second)

	entries, err := l.ListUndoable(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, second, entries[0].OperationID)
}

func TestRecord_RejectsEmptyInput(t *testing.T) {
	l := newLedger(t)
	_, err := l.Record(context.Background(), "", "u", "", []byte("x"))
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidArgument))
	_, err = l.Record(context.Background(), OperationDelete, "u", "", nil)
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidArgument))
}

func TestUndo_OneShot(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	rev := &countingReverser{restored: 3}
	l.Register(OperationDelete, rev)

	id, err := l.Record(ctx, OperationDelete, "alice", "", []byte("payload"))
	require.NoError(t, err)

	result, err := l.Undo(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, result.RestoredCount)
	assert.Equal(t, "undone", result.Status)

	_, err = l.Undo(ctx, id, "alice")
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidState))
	assert.Len(t, rev.calls, 1)

	entry, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, entry.Consumed)
	assert.NotNil(t, entry.ConsumedAt)
}

func TestUndo_FailedReverserLeavesEntryUndoable(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	rev := &countingReverser{err: errors.New("vector index down")}
	l.Register(OperationMerge, rev)

	id, err := l.Record(ctx, OperationMerge, "bob", "", []byte("payload"))
	require.NoError(t, err)

	_, err = l.Undo(ctx, id, "bob")
	require.Error(t, err)

	entries, err := l.ListUndoable(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	rev.err = nil
	_, err = l.Undo(ctx, id, "bob")
	assert.NoError(t, err)
}

func TestUndo_UnknownTypeAndMissing(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	id, err := l.Record(ctx, OperationOther, "carol", "", []byte("payload"))
	require.NoError(t, err)

	_, err = l.Undo(ctx, id, "carol")
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidState))

	_, err = l.Undo(ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ", "carol")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestUndoLast_PerUser(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	rev := &countingReverser{restored: 1}
	l.Register(OperationDelete, rev)

	aliceOld, err := l.Record(ctx, OperationDelete, "alice", "", []byte("1"))
	require.NoError(t, err)
	_, err = l.Record(ctx, OperationDelete, "bob", "", []byte("2"))
	require.NoError(t, err)
	aliceNew, err := l.Record(ctx, OperationDelete, "alice", "", []byte("3"))
	require.NoError(t, err)

	result, err := l.UndoLast(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, aliceNew, result.OperationID)

	result, err = l.UndoLast(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, aliceOld, result.OperationID)

	_, err = l.UndoLast(ctx, "alice")
	assert.True(t, apperrors.IsNotFound(err))

	bob, err := l.ListUndoable(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, bob, 1)
}

func TestPurge_MakesUndoUnavailable(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	l.Register(OperationDelete, &countingReverser{})

	old := time.Now().UTC().Add(-10 * 24 * time.Hour)
	l.now = func() time.Time { return old }
	stale, err := l.Record(ctx, OperationDelete, "alice", "", []byte("old"))
	require.NoError(t, err)

	l.now = func() time.Time { return time.Now().UTC() }
	fresh, err := l.Record(ctx, OperationDelete, "alice", "", []byte("new"))
	require.NoError(t, err)

	n, err := l.PurgeExpired(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = l.Undo(ctx, stale, "alice")
	assert.True(t, apperrors.IsUndoUnavailable(err))

	entry, err := l.Get(ctx, stale)
	require.NoError(t, err)
	assert.False(t, entry.HasPayload())

	_, err = l.Undo(ctx, fresh, "alice")
	assert.NoError(t, err)
}

func TestReverserFunc(t *testing.T) {
	var got string
	r := ReverserFunc(func(ctx context.Context, e *catalog.UndoEntry) (int, error) {
		got = e.OperationID
		return 2, nil
	})
	n, err := r.Reverse(context.Background(), &catalog.UndoEntry{OperationID: "x"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "x", got)
}

func TestUndo_EntryIsClaimedBeforeReversal(t *testing.T) {
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer cat.Close()
	l := NewLedger(cat, Options{})
	ctx := context.Background()

	id, err := l.Record(ctx, OperationDelete, "alice", "", []byte("payload"))
	require.NoError(t, err)

	var consumedDuringReverse bool
	calls := 0
	l.Register(OperationDelete, ReverserFunc(func(ctx context.Context, e *catalog.UndoEntry) (int, error) {
		calls++
		stored, err := cat.GetUndo(ctx, e.OperationID)
		if err != nil {
			return 0, err
		}
		consumedDuringReverse = stored.Consumed
		return 2, nil
	}))

	_, err = l.Undo(ctx, id, "alice")
	require.NoError(t, err)
	assert.True(t, consumedDuringReverse)

	// Once the reversal ran there is nothing left that could clear the flag
	_, err = l.Undo(ctx, id, "alice")
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidState))
	_, err = l.UndoLast(ctx, "alice")
	assert.True(t, apperrors.IsNotFound(err))
	assert.Equal(t, 1, calls)
}

func TestReleaseUndo(t *testing.T) {
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer cat.Close()
	l := NewLedger(cat, Options{})
	ctx := context.Background()

	id, err := l.Record(ctx, OperationDelete, "alice", "", []byte("payload"))
	require.NoError(t, err)

	assert.True(t, apperrors.IsNotFound(cat.ReleaseUndo(ctx, id)))
	require.NoError(t, cat.MarkUndoConsumed(ctx, id, time.Now()))
	require.NoError(t, cat.ReleaseUndo(ctx, id))

	entry, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, entry.Consumed)
	assert.Nil(t, entry.ConsumedAt)
}
