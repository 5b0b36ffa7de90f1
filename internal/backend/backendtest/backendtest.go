// Package backendtest provides an in-memory Backend for orchestration tests
package backendtest

import (
	"bytes"
	"context"
	"sync"
	"time"

	"memvault/internal/backend"
)

// Backend is a scriptable in-memory store. Its state is an opaque payload
// plus an item count; snapshots copy both and restores replace both.
type Backend struct {
	name string
	kind backend.Kind

	mu            sync.Mutex
	data          []byte
	count         int64
	countOverride *int64

	snapshotErr error
	restoreErr  error
	livenessErr error
	countErr    error
	delay       time.Duration

	// RestoreHook runs on every restore before the state changes. A non-nil
	// return fails the restore.
	RestoreHook func(snap *backend.Snapshot) error

	snapshots int
	restores  []*backend.Snapshot
}

// New creates a live backend holding data and count items
func New(name string, kind backend.Kind, data string, count int64) *Backend {
	return &Backend{name: name, kind: kind, data: []byte(data), count: count}
}

func (b *Backend) Name() string       { return b.name }
func (b *Backend) Kind() backend.Kind { return b.kind }

// Snapshot copies the current state
func (b *Backend) Snapshot(ctx context.Context) (*backend.Snapshot, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.snapshots++
	if b.snapshotErr != nil {
		return nil, b.snapshotErr
	}
	return &backend.Snapshot{
		Backend: b.name,
		Format:  "fake",
		Data:    bytes.Clone(b.data),
		Items:   b.count,
		TakenAt: time.Now().UTC(),
	}, nil
}

// Restore replaces the state with the snapshot's
func (b *Backend) Restore(ctx context.Context, snap *backend.Snapshot) error {
	if err := b.wait(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	hook := b.RestoreHook
	b.restores = append(b.restores, snap)
	restoreErr := b.restoreErr
	b.mu.Unlock()

	if restoreErr != nil {
		return restoreErr
	}
	if hook != nil {
		if err := hook(snap); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = bytes.Clone(snap.Data)
	b.count = snap.Items
	return nil
}

// CheckLiveness returns the scripted liveness error
func (b *Backend) CheckLiveness(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.livenessErr
}

// Count returns the item count, or the override when one is set
func (b *Backend) Count(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.countErr != nil {
		return 0, b.countErr
	}
	if b.countOverride != nil {
		return *b.countOverride, nil
	}
	return b.count, nil
}

func (b *Backend) wait(ctx context.Context) error {
	b.mu.Lock()
	delay := b.delay
	b.mu.Unlock()
	if delay == 0 {
		return ctx.Err()
	}

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetState replaces the stored payload and count
func (b *Backend) SetState(data string, count int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = []byte(data)
	b.count = count
}

// State returns the stored payload
func (b *Backend) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// FailSnapshot makes every snapshot fail with err (nil clears it)
func (b *Backend) FailSnapshot(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshotErr = err
}

// FailRestore makes every restore fail with err (nil clears it)
func (b *Backend) FailRestore(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.restoreErr = err
}

// SetLiveness scripts the liveness result (nil is healthy)
func (b *Backend) SetLiveness(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.livenessErr = err
}

// FailCount makes Count fail with err (nil clears it)
func (b *Backend) FailCount(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.countErr = err
}

// OverrideCount makes Count report n regardless of state
func (b *Backend) OverrideCount(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.countOverride = &n
}

// SetDelay slows every snapshot and restore down by d
func (b *Backend) SetDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delay = d
}

// Snapshots returns how many snapshots were attempted
func (b *Backend) Snapshots() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshots
}

// Restores returns the snapshots passed to Restore, in call order
func (b *Backend) Restores() []*backend.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*backend.Snapshot(nil), b.restores...)
}

// Set builds a backend.Set of the four standard backends, each holding
// "<name>-v1" and count items
func Set(count int64) (*backend.Set, map[string]*Backend) {
	fakes := map[string]*Backend{
		"postgres": New("postgres", backend.KindRelational, "postgres-v1", count),
		"qdrant":   New("qdrant", backend.KindVector, "qdrant-v1", count),
		"graph":    New("graph", backend.KindGraph, "graph-v1", count),
		"redis":    New("redis", backend.KindCache, "redis-v1", count),
	}
	return backend.NewSet(fakes["postgres"], fakes["qdrant"], fakes["graph"], fakes["redis"]), fakes
}
