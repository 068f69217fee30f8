package vringh

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vringh/util/virtio"
	"github.com/slackhq/vringh/virtqueue"
)

// Ring is the host side of a split virtqueue whose memory is reached through
// an accessor of type M.
type Ring[M Memory] struct {
	mem M
	num int

	// Addresses of the ring parts in the address space of mem.
	desc  uint64
	avail uint64
	used  uint64

	eventIndices bool
	weakBarriers bool
	strictRanges bool
	getRange     RangeFunc
	diagnostics  Diagnostics

	// lastAvailIdx is the available ring index of the next head to fetch.
	lastAvailIdx uint16
	// lastUsedIdx is the used ring index the peer was last considered for
	// notification at.
	lastUsedIdx uint16
	// completed counts completions published since lastUsedIdx.
	completed uint32

	// usedBuf holds encoded used elements before they are copied out.
	usedBuf []byte
}

// NewRing creates a ring with num entries whose descriptor table, available
// ring and used ring are at the given addresses of mem. The negotiated
// features decide whether event indexes are used. num must be a power of 2
// between 1 and 32768, anything else is rejected with [ErrRingSize]. When mem
// can tell up front, every index and flags field of the ring must be
// accessible or the ring is rejected with [ErrRingLayout]; other addresses are
// up to the caller.
func NewRing[M Memory](mem M, features virtio.Feature, num int, desc, avail, used uint64, options ...Option) (*Ring[M], error) {
	opts := optionDefaults
	opts.apply(options)

	if err := virtqueue.CheckQueueSize(num); err != nil {
		opts.diagnostics.Bad("Bad ring size", logrus.Fields{"num": num})
		return nil, fmt.Errorf("%w: %w", ErrRingSize, err)
	}

	eventIndices := features.Has(virtio.FeatureRingEventIndex)
	if fc, ok := any(mem).(fieldChecker); ok {
		if err := checkLayout(fc, num, avail, used, eventIndices); err != nil {
			opts.diagnostics.Bad("Bad ring layout", logrus.Fields{"num": num, "avail": avail, "used": used})
			return nil, fmt.Errorf("%w: %w", ErrRingLayout, err)
		}
	}

	return &Ring[M]{
		mem:          mem,
		num:          num,
		desc:         desc,
		avail:        avail,
		used:         used,
		eventIndices: eventIndices,
		weakBarriers: opts.weakBarriers,
		strictRanges: opts.strictRanges,
		getRange:     opts.getRange,
		diagnostics:  opts.diagnostics,
		usedBuf:      make([]byte, num*virtqueue.UsedElementSize),
	}, nil
}

// checkLayout makes sure every 16-bit field the ring accesses is reachable.
// Available ring entries in between the first and the last one are covered by
// those two.
func checkLayout(fc fieldChecker, num int, avail, used uint64, eventIndices bool) error {
	type field struct {
		name string
		addr uint64
	}
	fields := []field{
		{"avail flags", avail + virtqueue.RingFlagsOffset},
		{"avail idx", avail + virtqueue.RingIndexOffset},
		{"avail ring", avail + uint64(virtqueue.AvailableRingEntryOffset(0))},
		{"avail ring", avail + uint64(virtqueue.AvailableRingEntryOffset(num-1))},
		{"used flags", used + virtqueue.RingFlagsOffset},
		{"used idx", used + virtqueue.RingIndexOffset},
	}
	if eventIndices {
		fields = append(fields,
			field{"used event", avail + uint64(virtqueue.UsedEventOffset(num))},
			field{"avail event", used + uint64(virtqueue.AvailableEventOffset(num))},
		)
	}

	for _, f := range fields {
		if err := fc.Check16(f.addr); err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
	}
	return nil
}

// Num returns the number of entries of the ring. It is also the head returned
// by [Ring.GetDesc] when the ring itself is broken.
func (r *Ring[M]) Num() uint16 {
	return uint16(r.num)
}

// Memory returns the accessor of the ring.
func (r *Ring[M]) Memory() M {
	return r.mem
}

// EventIndices reports whether the ring uses event indexes for notification
// suppression.
func (r *Ring[M]) EventIndices() bool {
	return r.eventIndices
}

// WeakBarriers reports whether the ring was created with weak barriers. It
// does not change the barriers the ring issues, see [WithWeakBarriers].
func (r *Ring[M]) WeakBarriers() bool {
	return r.weakBarriers
}

// LastAvailIndex returns the available ring index of the next head to fetch.
func (r *Ring[M]) LastAvailIndex() uint16 {
	return r.lastAvailIdx
}

// LastUsedIndex returns the used ring index at the last notification check.
func (r *Ring[M]) LastUsedIndex() uint16 {
	return r.lastUsedIdx
}

// Completed returns the number of completions published since the last
// notification check.
func (r *Ring[M]) Completed() uint32 {
	return r.completed
}

// Reset returns the ring to the state it was created in. Ring memory is not
// touched.
func (r *Ring[M]) Reset() {
	r.lastAvailIdx = 0
	r.lastUsedIdx = 0
	r.completed = 0
}

func (r *Ring[M]) bad(msg string, fields logrus.Fields) {
	r.diagnostics.Bad(msg, fields)
}

// getHead fetches the next head from the available ring. It returns false
// when there is none.
func (r *Ring[M]) getHead() (uint16, bool, error) {
	availIdx, err := r.mem.Load16(r.avail + virtqueue.RingIndexOffset)
	if err != nil {
		r.bad("Failed to access avail idx", logrus.Fields{"addr": r.avail + virtqueue.RingIndexOffset})
		return 0, false, fmt.Errorf("read available index: %w", err)
	}

	if availIdx == r.lastAvailIdx {
		return 0, false, nil
	}

	// Only get avail ring entries after they have been exposed by the peer.
	r.readBarrier()

	slot := int(r.lastAvailIdx & uint16(r.num-1))
	addr := r.avail + uint64(virtqueue.AvailableRingEntryOffset(slot))
	head, err := r.mem.Load16(addr)
	if err != nil {
		r.bad("Failed to read head", logrus.Fields{"idx": r.lastAvailIdx, "addr": addr})
		return 0, false, fmt.Errorf("read available entry %d: %w", r.lastAvailIdx, err)
	}

	if int(head) >= r.num {
		r.bad("Peer says out of range index is available", logrus.Fields{"head": head, "num": r.num})
		return 0, false, fmt.Errorf("%w: %d >= %d", ErrHeadOutOfRange, head, r.num)
	}

	r.lastAvailIdx++
	return head, true, nil
}

// GetDesc fetches the next available chain and walks it into riov and wiov,
// which are reset first. Either may be nil when the caller does not expect
// buffers of that direction, but not both.
//
// When the ring is empty, ok is false and err is nil. When the ring itself is
// broken, err is set and head is [Ring.Num]. When only the chain is bad, head
// is valid, ok is true and err is set; the chain has been fetched and should
// be completed or abandoned by the caller. The segment lists may be partially
// filled on error.
func (r *Ring[M]) GetDesc(riov, wiov *IOV) (head uint16, ok bool, err error) {
	if riov == nil && wiov == nil {
		return r.Num(), false, ErrNoIOV
	}

	head, ok, err = r.getHead()
	if err != nil || !ok {
		return r.Num(), false, err
	}

	return head, true, r.walk(head, riov, wiov)
}

// Abandon puts the last n fetched chains back, so the next calls to
// [Ring.GetDesc] return them again.
func (r *Ring[M]) Abandon(n int) {
	// The available event index is only updated when notifications are
	// enabled, so it does not need to be rolled back.
	r.lastAvailIdx -= uint16(n)
}

// Pull copies bytes from the readable segments of riov into dst, starting at
// the cursor of riov. It returns the number of bytes copied, which is less
// than len(dst) when riov ran out.
func (r *Ring[M]) Pull(riov *IOV, dst []byte) (int, error) {
	return riov.transfer(dst, func(addr uint64, b []byte) error {
		return r.mem.CopyFrom(b, addr)
	})
}

// Push copies src into the writable segments of wiov, starting at the cursor
// of wiov. It returns the number of bytes copied, which is less than len(src)
// when wiov ran out.
func (r *Ring[M]) Push(wiov *IOV, src []byte) (int, error) {
	return wiov.transfer(src, r.mem.CopyTo)
}
