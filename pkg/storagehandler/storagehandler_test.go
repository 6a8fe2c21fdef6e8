package storagehandler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTwoPhaseLockingAcquireReleaseRoundTrip(t *testing.T) {
	h := NewTwoPhaseLockingStorageHandler()
	holder, err := h.Acquire([]ResourceID{ResourceQueryCatalog, ResourceTopology})
	require.NoError(t, err)
	holder.Release()
	holder.Release() // idempotent
}

func TestTwoPhaseLockingBlocksConflictingAcquire(t *testing.T) {
	h := NewTwoPhaseLockingStorageHandler()
	holder, err := h.Acquire([]ResourceID{ResourceTopology})
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		h2, err := h.Acquire([]ResourceID{ResourceTopology})
		require.NoError(t, err)
		close(acquired)
		h2.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should have blocked while first holder is live")
	case <-time.After(50 * time.Millisecond):
	}

	holder.Release()
	<-acquired
}

func TestOptimisticValidateAndCommitSucceedsOnMatch(t *testing.T) {
	h := NewOptimisticStorageHandler()
	snap := h.Snapshot()

	applied := false
	ok, err := h.ValidateAndCommit(snap, []ResourceID{ResourceTopology}, func() error {
		applied = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, applied)
}

func TestOptimisticValidateAndCommitFailsOnStaleSnapshot(t *testing.T) {
	h := NewOptimisticStorageHandler()
	snap := h.Snapshot()

	_, err := h.ValidateAndCommit(snap, []ResourceID{ResourceTopology}, func() error { return nil })
	require.NoError(t, err)

	ok, err := h.ValidateAndCommit(snap, []ResourceID{ResourceTopology}, func() error {
		t.Fatal("apply must not run on a stale snapshot")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOptimisticContentionOnlyOneWinnerPerRound(t *testing.T) {
	h := NewOptimisticStorageHandler()
	snap := h.Snapshot()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := h.ValidateAndCommit(snap, []ResourceID{ResourceExecutionPlan}, func() error { return nil })
			require.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
