package vringh

import "sync/atomic"

var fenceWord atomic.Uint32

// fence orders the ring accesses before it against the ring accesses after
// it. Go only offers sequentially consistent atomics, so the weak (SMP only)
// and the strong (I/O) flavor of a barrier are the same operation here.
func fence() {
	fenceWord.Add(1)
}

// readBarrier is issued between observing a new index and reading the entries
// it guards.
func (r *Ring[M]) readBarrier() {
	fence()
}

// writeBarrier is issued between writing entries and publishing the index
// that exposes them.
func (r *Ring[M]) writeBarrier() {
	fence()
}

// fullBarrier is issued around notification suppression reads. It pairs with
// the barrier the peer executes when it arms notifications.
func (r *Ring[M]) fullBarrier() {
	fence()
}
