// Package backend defines the adapter contract shared by the four stores of
// the memory platform and the concrete adapters for each of them.
//
// An adapter snapshots one store into an opaque artifact, restores it from
// such an artifact, reports liveness and counts its items. Adapters never
// know about each other; orchestration lives in the backup and recovery
// packages.
package backend

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	apperrors "memvault/internal/errors"
)

// Kind is the kind of store behind an adapter
type Kind string

const (
	KindRelational Kind = "relational"
	KindVector     Kind = "vector"
	KindGraph      Kind = "graph"
	KindCache      Kind = "cache"
)

// Snapshot is the in-memory form of one backend artifact
type Snapshot struct {
	Backend string
	Format  string
	Data    []byte
	Items   int64
	TakenAt time.Time
}

// Backend is implemented by every store adapter.
//
// Snapshot and CheckLiveness failures caused by an unreachable store are
// reported as backend_unavailable errors; a store that answers but refuses
// the operation yields snapshot_error or restore_error.
type Backend interface {
	Name() string
	Kind() Kind
	Snapshot(ctx context.Context) (*Snapshot, error)
	Restore(ctx context.Context, snap *Snapshot) error
	CheckLiveness(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
}

// Set is an ordered registry of named backends
type Set struct {
	order  []string
	byName map[string]Backend
}

// NewSet registers backends in the order given
func NewSet(backends ...Backend) *Set {
	s := &Set{byName: make(map[string]Backend, len(backends))}
	for _, b := range backends {
		s.Add(b)
	}
	return s
}

// Add registers b, replacing any backend with the same name
func (s *Set) Add(b Backend) {
	if _, exists := s.byName[b.Name()]; !exists {
		s.order = append(s.order, b.Name())
	}
	s.byName[b.Name()] = b
}

// Names returns the registered names in registration order
func (s *Set) Names() []string {
	return append([]string(nil), s.order...)
}

// Get looks up a backend by name
func (s *Set) Get(name string) (Backend, bool) {
	b, ok := s.byName[name]
	return b, ok
}

// Select resolves names to backends. An empty list selects every backend.
// Unknown names are rejected before anything runs. Duplicates collapse and
// the result follows registration order.
func (s *Set) Select(names []string) ([]Backend, error) {
	if len(names) == 0 {
		names = s.order
	}

	wanted := make(map[string]bool, len(names))
	var unknown []string
	for _, name := range names {
		name = strings.TrimSpace(name)
		if _, ok := s.byName[name]; !ok {
			unknown = append(unknown, name)
			continue
		}
		wanted[name] = true
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, apperrors.NewInvalidArgument(
			fmt.Sprintf("unknown backend(s): %s (available: %s)", strings.Join(unknown, ", "), strings.Join(s.order, ", ")),
			nil,
		)
	}

	selected := make([]Backend, 0, len(wanted))
	for _, name := range s.order {
		if wanted[name] {
			selected = append(selected, s.byName[name])
		}
	}
	return selected, nil
}

// Close closes every backend holding resources
func (s *Set) Close() error {
	var firstErr error
	for _, name := range s.order {
		if c, ok := s.byName[name].(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

var classifier = apperrors.NewClassifier()

func snapshotFailure(backend string, err error) error {
	if err == nil {
		return nil
	}
	return classifier.Classify(backend, err, apperrors.KindSnapshot).WithOp("snapshot")
}

func restoreFailure(backend string, err error) error {
	if err == nil {
		return nil
	}
	return classifier.Classify(backend, err, apperrors.KindRestore).WithOp("restore")
}

// livenessFailure maps any liveness problem to backend_unavailable
func livenessFailure(backend string, err error) error {
	if err == nil {
		return nil
	}
	return apperrors.NewBackendUnavailable(backend, "liveness check failed", err).WithOp("check_liveness")
}

func countFailure(backend string, err error) error {
	if err == nil {
		return nil
	}
	return classifier.Classify(backend, err, apperrors.KindBackendUnavailable).WithOp("count")
}
