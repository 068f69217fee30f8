package vringh

import (
	"os"
	"testing"

	"github.com/slackhq/vringh/virtqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	flagNext     = virtqueue.DescriptorFlagHasNext
	flagWrite    = virtqueue.DescriptorFlagWritable
	flagIndirect = virtqueue.DescriptorFlagIndirect
)

// writeTable encodes descs into the item buffer of the given descriptor, so it
// can be referenced as an indirect table.
func writeTable(sq *virtqueue.SplitQueue, index uint16, descs ...virtqueue.Descriptor) {
	table := sq.Item(index)
	for i := range descs {
		descs[i].Encode(table[i*virtqueue.DescriptorSize:])
	}
}

func TestRing_Walk_Malformed(t *testing.T) {
	const queueSize = 4

	tests := []struct {
		name   string
		setup  func(sq *virtqueue.SplitQueue)
		noWIOV bool
		err    error
	}{
		{
			name: "loop",
			setup: func(sq *virtqueue.SplitQueue) {
				sq.SetDescriptor(0, virtqueue.Descriptor{Address: sq.ItemAddress(0), Length: 1, Flags: flagNext, Next: 1})
				sq.SetDescriptor(1, virtqueue.Descriptor{Address: sq.ItemAddress(1), Length: 1, Flags: flagNext, Next: 0})
			},
			err: ErrDescriptorLoop,
		},
		{
			name: "self loop",
			setup: func(sq *virtqueue.SplitQueue) {
				sq.SetDescriptor(0, virtqueue.Descriptor{Address: sq.ItemAddress(0), Length: 1, Flags: flagNext | flagWrite, Next: 0})
			},
			err: ErrDescriptorLoop,
		},
		{
			name: "loop inside indirect table",
			setup: func(sq *virtqueue.SplitQueue) {
				sq.SetDescriptor(0, virtqueue.Descriptor{Address: sq.ItemAddress(1), Length: 2 * virtqueue.DescriptorSize, Flags: flagIndirect})
				writeTable(sq, 1,
					virtqueue.Descriptor{Address: sq.ItemAddress(2), Length: 1, Flags: flagNext, Next: 1},
					virtqueue.Descriptor{Address: sq.ItemAddress(2), Length: 1, Flags: flagNext, Next: 0},
				)
			},
			err: ErrDescriptorLoop,
		},
		{
			name: "nested indirect",
			setup: func(sq *virtqueue.SplitQueue) {
				sq.SetDescriptor(0, virtqueue.Descriptor{Address: sq.ItemAddress(1), Length: virtqueue.DescriptorSize, Flags: flagIndirect})
				writeTable(sq, 1, virtqueue.Descriptor{Address: sq.ItemAddress(2), Length: virtqueue.DescriptorSize, Flags: flagIndirect})
				writeTable(sq, 2, virtqueue.Descriptor{Address: sq.ItemAddress(3), Length: 1})
			},
			err: ErrNestedIndirect,
		},
		{
			name: "indirect length",
			setup: func(sq *virtqueue.SplitQueue) {
				sq.SetDescriptor(0, virtqueue.Descriptor{Address: sq.ItemAddress(1), Length: 20, Flags: flagIndirect})
			},
			err: ErrIndirectLength,
		},
		{
			name: "empty indirect table",
			setup: func(sq *virtqueue.SplitQueue) {
				sq.SetDescriptor(0, virtqueue.Descriptor{Address: sq.ItemAddress(1), Length: 0, Flags: flagIndirect})
			},
			err: ErrIndirectLength,
		},
		{
			name: "readable after writable",
			setup: func(sq *virtqueue.SplitQueue) {
				sq.SetDescriptor(0, virtqueue.Descriptor{Address: sq.ItemAddress(0), Length: 1, Flags: flagNext, Next: 1})
				sq.SetDescriptor(1, virtqueue.Descriptor{Address: sq.ItemAddress(1), Length: 1, Flags: flagNext | flagWrite, Next: 2})
				sq.SetDescriptor(2, virtqueue.Descriptor{Address: sq.ItemAddress(2), Length: 1})
			},
			err: ErrReadAfterWrite,
		},
		{
			name: "unexpected writable",
			setup: func(sq *virtqueue.SplitQueue) {
				sq.SetDescriptor(0, virtqueue.Descriptor{Address: sq.ItemAddress(0), Length: 1, Flags: flagWrite})
			},
			noWIOV: true,
			err:    ErrUnexpectedDirection,
		},
		{
			name: "next out of range",
			setup: func(sq *virtqueue.SplitQueue) {
				sq.SetDescriptor(0, virtqueue.Descriptor{Address: sq.ItemAddress(0), Length: 1, Flags: flagNext, Next: queueSize})
			},
			err: ErrNextOutOfRange,
		},
		{
			name: "next out of indirect table",
			setup: func(sq *virtqueue.SplitQueue) {
				sq.SetDescriptor(0, virtqueue.Descriptor{Address: sq.ItemAddress(1), Length: 2 * virtqueue.DescriptorSize, Flags: flagIndirect})
				writeTable(sq, 1,
					virtqueue.Descriptor{Address: sq.ItemAddress(2), Length: 1, Flags: flagNext, Next: 1},
					virtqueue.Descriptor{Address: sq.ItemAddress(2), Length: 1, Flags: flagNext, Next: 2},
				)
			},
			err: ErrNextOutOfRange,
		},
		{
			name: "outer next out of range",
			setup: func(sq *virtqueue.SplitQueue) {
				sq.SetDescriptor(0, virtqueue.Descriptor{Address: sq.ItemAddress(1), Length: virtqueue.DescriptorSize, Flags: flagIndirect | flagNext, Next: 9})
				writeTable(sq, 1, virtqueue.Descriptor{Address: sq.ItemAddress(2), Length: 1})
			},
			err: ErrNextOutOfRange,
		},
		{
			name: "descriptor outside of memory",
			setup: func(sq *virtqueue.SplitQueue) {
				sq.SetDescriptor(0, virtqueue.Descriptor{Address: sq.ItemAddress(0) + 1<<40, Length: virtqueue.DescriptorSize, Flags: flagIndirect})
			},
			err: ErrMemoryAccess,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sq, r := newTestRing(t, queueSize, 0)
			tt.setup(sq)
			sq.OfferDescriptorChains([]uint16{0})

			riov, wiov := NewIOV(0), NewIOV(0)
			if tt.noWIOV {
				wiov = nil
			}
			head, ok, err := r.GetDesc(riov, wiov)
			require.ErrorIs(t, err, tt.err)
			// The chain is bad, the ring is not.
			assert.True(t, ok)
			assert.Equal(t, uint16(0), head)
			assert.Equal(t, uint16(1), r.LastAvailIndex())

			// The ring stays usable.
			require.NoError(t, r.Complete(head, 0))
			sq.SetDescriptor(1, virtqueue.Descriptor{Address: sq.ItemAddress(1), Length: 1})
			sq.OfferDescriptorChains([]uint16{1})
			head, ok, err = r.GetDesc(NewIOV(0), nil)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, uint16(1), head)
		})
	}
}

func TestRing_Walk_IndirectContinuation(t *testing.T) {
	tests := []struct {
		name     string
		head     uint16
		outer    uint16
		indirect uint16
	}{
		{name: "continue at 3", head: 0, outer: 3, indirect: 1},
		{name: "continue at 0", head: 1, outer: 0, indirect: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sq, r := newTestRing(t, 4, 0)

			sq.SetDescriptor(tt.head, virtqueue.Descriptor{
				Address: sq.ItemAddress(tt.indirect),
				Length:  virtqueue.DescriptorSize,
				Flags:   flagIndirect | flagNext,
				Next:    tt.outer,
			})
			writeTable(sq, tt.indirect, virtqueue.Descriptor{Address: sq.ItemAddress(tt.head), Length: 11})
			sq.SetDescriptor(tt.outer, virtqueue.Descriptor{Address: sq.ItemAddress(tt.outer), Length: 22, Flags: flagWrite})
			sq.OfferDescriptorChains([]uint16{tt.head})

			riov, wiov := NewIOV(0), NewIOV(0)
			head, ok, err := r.GetDesc(riov, wiov)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tt.head, head)
			assert.Equal(t, []Segment{{Addr: sq.ItemAddress(tt.head), Len: 11}}, riov.Segments)
			assert.Equal(t, []Segment{{Addr: sq.ItemAddress(tt.outer), Len: 22}}, wiov.Segments)
		})
	}
}

func TestRing_Walk_LongestChain(t *testing.T) {
	const queueSize = 8
	sq, r := newTestRing(t, queueSize, 0)

	for i := range uint16(queueSize) {
		d := virtqueue.Descriptor{Address: sq.ItemAddress(i), Length: 1, Flags: flagNext, Next: i + 1}
		if i == queueSize-1 {
			d.Flags = 0
		}
		sq.SetDescriptor(i, d)
	}
	sq.OfferDescriptorChains([]uint16{0})

	riov := NewIOV(0)
	_, ok, err := r.GetDesc(riov, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, riov.Segments, queueSize)
}

func TestRing_Walk_SegmentLimit(t *testing.T) {
	sq, r := newTestRing(t, 4, 0)
	_, err := sq.OfferDescriptorChain([][]byte{[]byte("a"), []byte("b")}, 0)
	require.NoError(t, err)

	riov := NewIOV(0)
	riov.Limit = 1
	_, ok, err := r.GetDesc(riov, nil)
	require.ErrorIs(t, err, ErrSegmentAlloc)
	assert.True(t, ok)
	// What was built so far is still intact.
	assert.Len(t, riov.Segments, 1)
}

// Two guest pages that are backed by the non-adjacent items 0 and 2.
const guestBase = 0x10000000

func twoPageRanges(sq *virtqueue.SplitQueue) RangeFunc {
	page := uint64(os.Getpagesize())
	return func(addr uint64) (Range, bool) {
		switch {
		case addr >= guestBase && addr < guestBase+page:
			return Range{Start: guestBase, EndIncl: guestBase + page - 1, Offset: sq.ItemAddress(0) - guestBase}, true
		case addr >= guestBase+page && addr < guestBase+2*page:
			return Range{Start: guestBase + page, EndIncl: guestBase + 2*page - 1, Offset: sq.ItemAddress(2) - (guestBase + page)}, true
		}
		return Range{}, false
	}
}

func TestRing_Walk_RangeCheck(t *testing.T) {
	page := os.Getpagesize()

	t.Run("translated", func(t *testing.T) {
		sq := newTestQueue(t, 4)
		r, err := NewRing(NewLocalMemory(sq.Memory()), 0, 4,
			sq.DescriptorTableAddress(), sq.AvailableRingAddress(), sq.UsedRingAddress(),
			WithRangeCheck(twoPageRanges(sq)))
		require.NoError(t, err)

		copy(sq.Item(0)[100:], "guest")
		sq.SetDescriptor(1, virtqueue.Descriptor{Address: guestBase + 100, Length: 5})
		sq.OfferDescriptorChains([]uint16{1})

		riov := NewIOV(0)
		_, _, err = r.GetDesc(riov, nil)
		require.NoError(t, err)
		assert.Equal(t, []Segment{{Addr: sq.ItemAddress(0) + 100, Len: 5}}, riov.Segments)

		buf := make([]byte, 5)
		_, err = r.Pull(riov, buf)
		require.NoError(t, err)
		assert.Equal(t, "guest", string(buf))
	})

	t.Run("split across ranges", func(t *testing.T) {
		sq := newTestQueue(t, 4)
		r, err := NewRing(NewLocalMemory(sq.Memory()), 0, 4,
			sq.DescriptorTableAddress(), sq.AvailableRingAddress(), sq.UsedRingAddress(),
			WithRangeCheck(twoPageRanges(sq)))
		require.NoError(t, err)

		copy(sq.Item(0)[page-4:], "abcd")
		copy(sq.Item(2), "efgh")
		sq.SetDescriptor(1, virtqueue.Descriptor{Address: guestBase + uint64(page) - 4, Length: 8})
		sq.OfferDescriptorChains([]uint16{1})

		riov := NewIOV(0)
		_, _, err = r.GetDesc(riov, nil)
		require.NoError(t, err)
		assert.Equal(t, []Segment{
			{Addr: sq.ItemAddress(0) + uint64(page) - 4, Len: 4},
			{Addr: sq.ItemAddress(2), Len: 4},
		}, riov.Segments)

		buf := make([]byte, 16)
		n, err := r.Pull(riov, buf)
		require.NoError(t, err)
		assert.Equal(t, "abcdefgh", string(buf[:n]))
	})

	t.Run("strict", func(t *testing.T) {
		sq := newTestQueue(t, 4)
		r, err := NewRing(NewLocalMemory(sq.Memory()), 0, 4,
			sq.DescriptorTableAddress(), sq.AvailableRingAddress(), sq.UsedRingAddress(),
			WithRangeCheck(twoPageRanges(sq)), WithStrictRanges(true))
		require.NoError(t, err)

		sq.SetDescriptor(1, virtqueue.Descriptor{Address: guestBase + uint64(page) - 4, Length: 8})
		sq.OfferDescriptorChains([]uint16{1})

		_, ok, err := r.GetDesc(NewIOV(0), nil)
		require.ErrorIs(t, err, ErrRangeTruncated)
		assert.True(t, ok)
	})

	t.Run("no range", func(t *testing.T) {
		sq := newTestQueue(t, 4)
		r, err := NewRing(NewLocalMemory(sq.Memory()), 0, 4,
			sq.DescriptorTableAddress(), sq.AvailableRingAddress(), sq.UsedRingAddress(),
			WithRangeCheck(twoPageRanges(sq)))
		require.NoError(t, err)

		// The second page ends the guest memory.
		sq.SetDescriptor(1, virtqueue.Descriptor{Address: guestBase + 2*uint64(page) - 4, Length: 8})
		sq.OfferDescriptorChains([]uint16{1})

		_, ok, err := r.GetDesc(NewIOV(0), nil)
		require.ErrorIs(t, err, ErrRangeRejected)
		assert.True(t, ok)
	})
}

// An indirect table whose second entry straddles the two guest pages.
func TestRing_Walk_IndirectAcrossRanges(t *testing.T) {
	page := os.Getpagesize()

	setup := func(t *testing.T, options ...Option) (*virtqueue.SplitQueue, *Ring[*LocalMemory]) {
		sq := newTestQueue(t, 4)
		r, err := NewRing(NewLocalMemory(sq.Memory()), 0, 4,
			sq.DescriptorTableAddress(), sq.AvailableRingAddress(), sq.UsedRingAddress(),
			append([]Option{WithRangeCheck(twoPageRanges(sq))}, options...)...)
		require.NoError(t, err)

		table := make([]byte, 2*virtqueue.DescriptorSize)
		(&virtqueue.Descriptor{Address: guestBase + 100, Length: 5, Flags: flagNext, Next: 1}).Encode(table)
		(&virtqueue.Descriptor{Address: guestBase + uint64(page) + 100, Length: 3, Flags: flagWrite}).Encode(table[virtqueue.DescriptorSize:])
		copy(sq.Item(0)[page-24:], table[:24])
		copy(sq.Item(2), table[24:])

		sq.SetDescriptor(1, virtqueue.Descriptor{Address: guestBase + uint64(page) - 24, Length: uint32(len(table)), Flags: flagIndirect})
		sq.OfferDescriptorChains([]uint16{1})
		return sq, r
	}

	t.Run("piecewise", func(t *testing.T) {
		sq, r := setup(t)

		riov, wiov := NewIOV(0), NewIOV(0)
		head, ok, err := r.GetDesc(riov, wiov)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint16(1), head)
		assert.Equal(t, []Segment{{Addr: sq.ItemAddress(0) + 100, Len: 5}}, riov.Segments)
		assert.Equal(t, []Segment{{Addr: sq.ItemAddress(2) + 100, Len: 3}}, wiov.Segments)
	})

	t.Run("strict", func(t *testing.T) {
		_, r := setup(t, WithStrictRanges(true))

		_, ok, err := r.GetDesc(NewIOV(0), NewIOV(0))
		require.ErrorIs(t, err, ErrRangeTruncated)
		assert.True(t, ok)
	})
}
