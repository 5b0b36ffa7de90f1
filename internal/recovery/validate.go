package recovery

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"memvault/internal/backend"
	"memvault/internal/catalog"
	apperrors "memvault/internal/errors"
)

// validate checks every restored backend: liveness first, then the item
// count. A backend passes when it is live, its count can be read and its
// restore did not fail. Count drift against the backup's recorded item
// count only sets CountDriftWarning.
func (m *Manager) validate(ctx context.Context, restoreID string, databases []string, target *catalog.BackupRecord, restoreErrs map[string]error) (map[string]catalog.ValidationResult, bool) {
	expected := map[string]int64{}
	for _, name := range databases {
		if a, ok := target.Artifact(name); ok {
			expected[name] = a.ItemCount
		}
	}

	results := m.checkAll(ctx, databases, expected)

	passed := true
	for _, name := range databases {
		r := results[name]
		if err, failed := restoreErrs[name]; failed {
			r.Valid = false
			if r.Error == "" {
				r.Error = "restore failed: " + err.Error()
			}
			results[name] = r
		}
		if !r.Valid {
			passed = false
		}
		m.logger.LogRestoreValidation(restoreID, name, r.Live, r.Count, r.ExpectedCount, r.CountDriftWarning)
		m.metrics.ObserveValidation(name, r.Valid, r.CountDriftWarning)
	}
	return results, passed
}

// ValidateRestoredData checks liveness and counts of the named backends (all
// when databases is empty) without restoring anything
func (m *Manager) ValidateRestoredData(ctx context.Context, databases []string) (map[string]catalog.ValidationResult, error) {
	selected, err := m.backends.Select(databases)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(selected))
	for i, b := range selected {
		names[i] = b.Name()
	}
	return m.checkAll(ctx, names, nil), nil
}

// checkAll runs checkOne for every backend concurrently. expected may be nil,
// in which case no drift is computed.
func (m *Manager) checkAll(ctx context.Context, databases []string, expected map[string]int64) map[string]catalog.ValidationResult {
	results := make(map[string]catalog.ValidationResult, len(databases))
	var mu sync.Mutex

	var g errgroup.Group
	for _, name := range databases {
		name := name
		g.Go(func() error {
			r := catalog.ValidationResult{Backend: name}
			if b, ok := m.backends.Get(name); ok {
				want, hasExpected := expected[name]
				r = m.checkOne(ctx, b, want, hasExpected)
			} else {
				r.Error = "backend is not registered"
			}

			mu.Lock()
			results[name] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (m *Manager) checkOne(ctx context.Context, b backend.Backend, expected int64, hasExpected bool) catalog.ValidationResult {
	r := catalog.ValidationResult{Backend: b.Name(), ExpectedCount: expected}

	bctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	if err := b.CheckLiveness(bctx); err != nil {
		err = m.classify.Classify(b.Name(), err, apperrors.KindBackendUnavailable)
		m.logger.LogBackendOperation(b.Name(), "liveness", time.Since(start), err)
		r.Error = err.Error()
		return r
	}
	r.Live = true

	count, err := b.Count(bctx)
	if err != nil {
		err = m.classify.Classify(b.Name(), err, apperrors.KindValidationFailed)
		m.logger.LogBackendOperation(b.Name(), "count", time.Since(start), err)
		r.Error = err.Error()
		return r
	}
	r.Count = count
	r.Valid = true

	if hasExpected {
		r.CountDriftWarning = countDrift(count, expected, m.cfg.CountTolerance)
	}
	return r
}

// countDrift reports whether got differs from want by more than tolerance,
// a fraction of want
func countDrift(got, want int64, tolerance float64) bool {
	allowed := int64(math.Ceil(tolerance * float64(want)))
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	return diff > allowed
}
