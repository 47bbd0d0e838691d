// Package registry implements ThreadRegistry: a fixed 256-slot table of
// atomic pointers to per-thread logging state, published by the owning
// thread via CAS and reclaimed by the drainer via store-nil. No locks are
// used anywhere in this package.
package registry

import (
	"sync/atomic"

	"github.com/tripwire/traceagent/internal/ring"
	"github.com/tripwire/traceagent/internal/tlsslots"
)

// SlotCount is the fixed capacity of the registry.
const SlotCount = 256

// PerThreadState is the per-thread bookkeeping a hooked thread publishes
// into the registry: its ring buffer state, wire thread id, and the two
// fields the drainer mutates at drain/reclaim time.
type PerThreadState struct {
	ThreadID int32
	Ring *ring.State

	LastLabelID atomic.Int64
	DroppedDelta atomic.Uint64
	LastEmitTime atomic.Uint64

	// LastDroppedReported is the value of DroppedDelta the drainer last
	// folded into a Counters wire record. The drainer computes the delta
	// to report as DroppedDelta.Load()-LastDroppedReported, then stores
	// the new total here; only the drainer touches this field.
	LastDroppedReported atomic.Uint64

	// IsFinished is set by the host's thread-destructor hook; the drainer
	// checks it after each drain pass and reclaims the slot if set.
	IsFinished atomic.Bool
}

// Registry is the 256-slot atomic-pointer table.
type Registry struct {
	slots [SlotCount]atomic.Pointer[PerThreadState]
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{}
}

// Publish attempts to CAS state into the first empty slot. It returns the
// slot index and true on success; if no slot is free it returns (-1,
// false) — per the design the thread still records into its ring buffer,
// but it is never drained: a failed Publish is not retried later.
func (r *Registry) Publish(state *PerThreadState) (int, bool) {
	for i := range r.slots {
		if r.slots[i].CompareAndSwap(nil, state) {
			return i, true
		}
	}
	return -1, false
}

// Reclaim nulls slot i. Only the drainer calls this, and only after
// observing IsFinished and fully draining the thread's ring chain.
func (r *Registry) Reclaim(i int) {
	r.slots[i].Store(nil)
}

// Slot returns the state at slot i, or nil if empty.
func (r *Registry) Slot(i int) *PerThreadState {
	return r.slots[i].Load()
}

// InitCurrent implements ThreadRegistry's init_current(): it pins the
// calling goroutine to its current OS thread, allocates a PerThreadState
// keyed by that thread's id, and attempts to publish it into the first
// free slot. Per the design, a thread that finds the registry full still
// gets a valid state back (it will simply never be drained) — Publish's
// (-1, false) result is returned as-is for the caller to log.
func InitCurrent(r *Registry, rs *ring.State) (*PerThreadState, int, bool) {
	tlsslots.LockCurrentOSThread()
	state := &PerThreadState{
		ThreadID: tlsslots.CurrentThreadID(),
		Ring: rs,
	}
	slot, ok := r.Publish(state)
	return state, slot, ok
}

// Each calls fn for every currently non-nil slot, in slot order. This is
// the shape the drainer's round-robin pass uses; fn receives the slot
// index so it can Reclaim after a finished thread's ring is fully drained.
func (r *Registry) Each(fn func(slot int, state *PerThreadState)) {
	for i := range r.slots {
		if s := r.slots[i].Load(); s != nil {
			fn(i, s)
		}
	}
}
