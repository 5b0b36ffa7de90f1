package oplock

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "memvault/internal/errors"
)

func TestTryAcquireConflict(t *testing.T) {
	lock := New()

	held, err := lock.TryAcquire("backup")
	require.NoError(t, err)
	assert.True(t, lock.Busy())
	assert.True(t, lock.Holds(held))

	_, err = lock.TryAcquire("restore")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))
	assert.Contains(t, err.Error(), "backup")

	held.Release()
	assert.False(t, lock.Busy())
	assert.False(t, lock.Holds(held))

	again, err := lock.TryAcquire("restore")
	require.NoError(t, err)
	again.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	lock := New()
	first, err := lock.TryAcquire("backup")
	require.NoError(t, err)
	first.Release()

	second, err := lock.TryAcquire("restore")
	require.NoError(t, err)

	first.Release()
	assert.True(t, lock.Holds(second), "stale release must not free a newer holder")

	second.Release()
	var nilHeld *Held
	nilHeld.Release()
	assert.False(t, lock.Holds(nil))
}

func TestSingleWinnerUnderContention(t *testing.T) {
	lock := New()
	var winners int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := lock.TryAcquire("backup"); err == nil {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners)
}
