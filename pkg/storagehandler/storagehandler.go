// Package storagehandler implements the two concurrency-control disciplines
// the placement amender can run under: a pessimistic two-phase-locking
// handler with a fixed global lock order, and an optimistic
// snapshot/validate-and-commit handler.
package storagehandler

import (
	"fmt"
	"sort"
	"sync"
)

// ResourceID names one of the coordinator's shared mutable resources.
type ResourceID int

const (
	ResourceTopology ResourceID = iota
	ResourceExecutionPlan
	ResourceSourceCatalog
	ResourceUDFCatalog
	ResourceQueryCatalog
)

// lockOrder is the canonical global lock order; acquiring resources in any
// other order risks deadlock, so Acquire always sorts by this index.
var lockOrder = map[ResourceID]int{
	ResourceTopology:      0,
	ResourceExecutionPlan: 1,
	ResourceSourceCatalog: 2,
	ResourceUDFCatalog:    3,
	ResourceQueryCatalog:  4,
}

// TwoPhaseLockingStorageHandler grants write access to a fixed set of
// resources in the canonical order and releases them in reverse order on
// Holder.Release, the "two phases" of 2PL.
type TwoPhaseLockingStorageHandler struct {
	locks map[ResourceID]*sync.Mutex
}

// NewTwoPhaseLockingStorageHandler creates a handler covering the standard
// five shared resources.
func NewTwoPhaseLockingStorageHandler() *TwoPhaseLockingStorageHandler {
	h := &TwoPhaseLockingStorageHandler{locks: make(map[ResourceID]*sync.Mutex)}
	for id := range lockOrder {
		h.locks[id] = &sync.Mutex{}
	}
	return h
}

// Holder grants access to the acquired resources; Release unlocks them in
// reverse acquisition order.
type Holder struct {
	handler   *TwoPhaseLockingStorageHandler
	acquired  []ResourceID
	released  bool
	mu        sync.Mutex
}

// Acquire locks the given resources in the canonical global order and
// blocks until all are held, precluding deadlock by total ordering.
func (h *TwoPhaseLockingStorageHandler) Acquire(ids []ResourceID) (*Holder, error) {
	ordered := append([]ResourceID{}, ids...)
	sort.Slice(ordered, func(i, j int) bool { return lockOrder[ordered[i]] < lockOrder[ordered[j]] })

	for _, id := range ordered {
		lock, ok := h.locks[id]
		if !ok {
			return nil, fmt.Errorf("storagehandler: unknown resource %d", id)
		}
		lock.Lock()
	}
	return &Holder{handler: h, acquired: ordered}, nil
}

// Release unlocks every acquired resource in reverse order. Safe to call
// exactly once; subsequent calls are no-ops.
func (hd *Holder) Release() {
	hd.mu.Lock()
	defer hd.mu.Unlock()
	if hd.released {
		return
	}
	for i := len(hd.acquired) - 1; i >= 0; i-- {
		hd.handler.locks[hd.acquired[i]].Unlock()
	}
	hd.released = true
}

// Snapshot is an optimistic handler's observed resource version vector at
// acquire time.
type Snapshot struct {
	versions map[ResourceID]uint64
}

// OptimisticStorageHandler implements OCC: readers snapshot version numbers,
// compute changes without holding write locks, then attempt a short
// validate-and-swap commit.
type OptimisticStorageHandler struct {
	mu       sync.Mutex
	versions map[ResourceID]uint64
}

// NewOptimisticStorageHandler creates a handler with all resource versions
// starting at zero.
func NewOptimisticStorageHandler() *OptimisticStorageHandler {
	h := &OptimisticStorageHandler{versions: make(map[ResourceID]uint64)}
	for id := range lockOrder {
		h.versions[id] = 0
	}
	return h
}

// Snapshot captures the current version of every resource.
func (h *OptimisticStorageHandler) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make(map[ResourceID]uint64, len(h.versions))
	for k, v := range h.versions {
		cp[k] = v
	}
	return Snapshot{versions: cp}
}

// ValidateAndCommit applies apply() and bumps the touched resources'
// versions iff every touched resource's version still matches snap. Returns
// false without applying anything on a version mismatch (a concurrent
// commit raced ahead).
func (h *OptimisticStorageHandler) ValidateAndCommit(snap Snapshot, touched []ResourceID, apply func() error) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, id := range touched {
		if h.versions[id] != snap.versions[id] {
			return false, nil
		}
	}
	if err := apply(); err != nil {
		return false, err
	}
	for _, id := range touched {
		h.versions[id]++
	}
	return true, nil
}
