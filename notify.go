package vringh

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vringh/virtqueue"
)

// NeedNotify reports whether the peer has to be notified about the
// completions published since the last call.
func (r *Ring[M]) NeedNotify() (bool, error) {
	// Flush out the used index update. This pairs with the barrier the peer
	// executes when it enables notifications.
	r.fullBarrier()

	if !r.eventIndices {
		addr := r.avail + virtqueue.RingFlagsOffset
		flags, err := r.mem.Load16(addr)
		if err != nil {
			r.bad("Failed to get flags", logrus.Fields{"addr": addr})
			return false, fmt.Errorf("read available flags: %w", err)
		}
		return virtqueue.AvailableRingFlag(flags)&virtqueue.AvailableRingFlagNoInterrupt == 0, nil
	}

	addr := r.avail + uint64(virtqueue.UsedEventOffset(r.num))
	usedEvent, err := r.mem.Load16(addr)
	if err != nil {
		r.bad("Failed to get used event idx", logrus.Fields{"addr": addr})
		return false, fmt.Errorf("read used event index: %w", err)
	}

	var notify bool
	if r.completed > 0xffff {
		// So many completions that the indexes wrapped, the event was passed
		// for sure.
		notify = true
	} else {
		notify = virtqueue.NeedEvent(usedEvent, r.lastUsedIdx+uint16(r.completed), r.lastUsedIdx)
	}

	r.lastUsedIdx += uint16(r.completed)
	r.completed = 0
	return notify, nil
}

// EnableNotify asks the peer to notify us about new available chains. It
// returns false when chains became available in the meantime; the caller
// should process them instead of waiting for a notification.
func (r *Ring[M]) EnableNotify() (bool, error) {
	if !r.eventIndices {
		addr := r.used + virtqueue.RingFlagsOffset
		if err := r.mem.Store16(addr, 0); err != nil {
			r.bad("Clearing used flags", logrus.Fields{"addr": addr})
			return false, fmt.Errorf("clear used flags: %w", err)
		}
	} else {
		addr := r.used + uint64(virtqueue.AvailableEventOffset(r.num))
		if err := r.mem.Store16(addr, r.lastAvailIdx); err != nil {
			r.bad("Updating avail event index", logrus.Fields{"addr": addr})
			return false, fmt.Errorf("update available event index: %w", err)
		}
	}

	// The peer could have slipped one in as we were doing that: make sure
	// it's written, then check again.
	r.fullBarrier()

	addr := r.avail + virtqueue.RingIndexOffset
	availIdx, err := r.mem.Load16(addr)
	if err != nil {
		r.bad("Failed to check avail idx", logrus.Fields{"addr": addr})
		return false, fmt.Errorf("read available index: %w", err)
	}

	// Notifications stay enabled either way, with event indexes we'll only
	// get one anyway.
	return availIdx == r.lastAvailIdx, nil
}

// DisableNotify asks the peer to not notify us about new available chains.
// With event indexes this is a no-op: the peer only notifies when the
// available event index set by [Ring.EnableNotify] is passed.
func (r *Ring[M]) DisableNotify() error {
	if r.eventIndices {
		return nil
	}

	addr := r.used + virtqueue.RingFlagsOffset
	if err := r.mem.Store16(addr, uint16(virtqueue.UsedRingFlagNoNotify)); err != nil {
		r.bad("Setting used flags", logrus.Fields{"addr": addr})
		return fmt.Errorf("set used flags: %w", err)
	}
	return nil
}
