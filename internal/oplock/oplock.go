// Package oplock provides the single-slot lock that serializes backups and
// restores. Steps nested inside a held operation (a pre-restore safety backup,
// an automatic rollback) receive the Held token instead of locking again.
package oplock

import (
	"sync"
	"time"

	apperrors "memvault/internal/errors"
)

// Lock is a single-slot, non-blocking operation lock
type Lock struct {
	mu     sync.Mutex
	holder *Held
}

// Held is proof that the caller owns the lock
type Held struct {
	lock       *Lock
	Operation  string
	AcquiredAt time.Time
	released   bool
}

// New creates an unlocked Lock
func New() *Lock {
	return &Lock{}
}

// TryAcquire takes the lock for operation or fails fast with a conflict
// naming the operation currently in flight
func (l *Lock) TryAcquire(operation string) (*Held, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder != nil {
		return nil, apperrors.NewConflict(
			"another "+l.holder.Operation+" is in progress", nil,
		).WithContext("running_operation", l.holder.Operation).
			WithContext("running_since", l.holder.AcquiredAt)
	}

	h := &Held{lock: l, Operation: operation, AcquiredAt: time.Now()}
	l.holder = h
	return h, nil
}

// Busy reports whether the lock is currently held
func (l *Lock) Busy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder != nil
}

// Holds reports whether h is the current owner of l
func (l *Lock) Holds(h *Held) bool {
	if h == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder == h
}

// Release gives the lock back. Releasing twice is a no-op.
func (h *Held) Release() {
	if h == nil {
		return
	}
	h.lock.mu.Lock()
	defer h.lock.mu.Unlock()

	if h.released {
		return
	}
	h.released = true
	if h.lock.holder == h {
		h.lock.holder = nil
	}
}
