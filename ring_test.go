package vringh

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/slackhq/vringh/util/virtio"
	"github.com/slackhq/vringh/virtqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, queueSize int) *virtqueue.SplitQueue {
	t.Helper()
	sq, err := virtqueue.NewSplitQueue(queueSize, os.Getpagesize())
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, sq.Close())
	})
	return sq
}

// newTestRing returns a driver-side queue and a ring consuming from it.
func newTestRing(t *testing.T, queueSize int, features virtio.Feature, options ...Option) (*virtqueue.SplitQueue, *Ring[*LocalMemory]) {
	t.Helper()
	sq := newTestQueue(t, queueSize)
	sq.SetEventIndex(features.Has(virtio.FeatureRingEventIndex))

	r, err := NewRing(NewLocalMemory(sq.Memory()), features, queueSize,
		sq.DescriptorTableAddress(), sq.AvailableRingAddress(), sq.UsedRingAddress(), options...)
	require.NoError(t, err)
	return sq, r
}

func readUsedElement(t *testing.T, r *Ring[*LocalMemory], slot int) virtqueue.UsedElement {
	t.Helper()
	b := make([]byte, virtqueue.UsedElementSize)
	require.NoError(t, r.mem.CopyFrom(b, r.used+uint64(virtqueue.UsedRingEntryOffset(slot))))
	return virtqueue.DecodeUsedElement(b)
}

func readUsedIndex(t *testing.T, r *Ring[*LocalMemory]) uint16 {
	t.Helper()
	idx, err := r.mem.Load16(r.used + virtqueue.RingIndexOffset)
	require.NoError(t, err)
	return idx
}

func TestNewRing_Size(t *testing.T) {
	tests := []struct {
		name    string
		num     int
		wantErr bool
	}{
		{name: "zero", num: 0, wantErr: true},
		{name: "not a power of 2", num: 12, wantErr: true},
		{name: "too large", num: 65536, wantErr: true},
		{name: "max 16 bit", num: 65535, wantErr: true},
		{name: "one", num: 1},
		{name: "256", num: 256},
		{name: "32768", num: 32768},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.wantErr {
				r, err := NewRing(NewLocalMemory(nil), 0, tt.num, 0, 0, 0)
				require.ErrorIs(t, err, ErrRingSize)
				assert.Nil(t, r)
			} else {
				mem, desc, avail, used := packedRing(tt.num, 2)
				r, err := NewRing(mem, 0, tt.num, desc, avail, used)
				require.NoError(t, err)
				assert.Equal(t, uint16(tt.num), r.Num())
			}
		})
	}
}

func TestNewRing_Options(t *testing.T) {
	mem, desc, avail, used := packedRing(8, 2)
	r, err := NewRing(mem, virtio.FeatureRingEventIndex|virtio.FeatureIndirectDescriptors, 8, desc, avail, used,
		WithWeakBarriers(true))
	require.NoError(t, err)
	assert.True(t, r.EventIndices())
	assert.True(t, r.WeakBarriers())
	assert.Nil(t, r.getRange)

	r, err = NewRing(mem, 0, 8, desc, avail, used, WithDiagnostics(nil))
	require.NoError(t, err)
	assert.False(t, r.EventIndices())
	assert.False(t, r.WeakBarriers())
	assert.NotNil(t, r.diagnostics)
}

func TestNewRing_Layout(t *testing.T) {
	tests := []struct {
		name     string
		features virtio.Feature
		pad      int
		shift    int
		wantErr  bool
	}{
		{name: "avail event ends the memory", features: virtio.FeatureRingEventIndex, wantErr: true},
		{name: "avail event padded", features: virtio.FeatureRingEventIndex, pad: 2},
		{name: "legacy without padding", features: 0},
		{name: "avail ring at unaligned start", features: 0, pad: 2, shift: 2, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem, desc, avail, used := packedRing(4, tt.pad)
			if tt.shift > 0 {
				// Put the available ring first, at the start of a memory that is
				// only 2-byte aligned.
				mem = NewLocalMemory(unsafeBytes(make([]uint32, 32))[tt.shift:])
				desc, avail, used = mem.Base()+64, mem.Base(), mem.Base()+16
			}

			r, err := NewRing(mem, tt.features, 4, desc, avail, used)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrRingLayout)
				assert.Nil(t, r)
				return
			}
			require.NoError(t, err)

			armed, err := r.EnableNotify()
			require.NoError(t, err)
			assert.True(t, armed)

			require.NoError(t, r.Complete(0, 1))
			_, err = r.NeedNotify()
			require.NoError(t, err)
			assert.Equal(t, uint16(1), readUsedIndex(t, r))
		})
	}
}

func TestRing_GetDesc_Empty(t *testing.T) {
	_, r := newTestRing(t, 4, 0)

	head, ok, err := r.GetDesc(NewIOV(0), NewIOV(0))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, r.Num(), head)
	assert.Zero(t, r.LastAvailIndex())
}

func TestRing_GetDesc_NoIOV(t *testing.T) {
	sq, r := newTestRing(t, 4, 0)
	_, err := sq.OfferDescriptorChain(nil, 1)
	require.NoError(t, err)

	head, ok, err := r.GetDesc(nil, nil)
	require.ErrorIs(t, err, ErrNoIOV)
	assert.False(t, ok)
	assert.Equal(t, r.Num(), head)
	// Nothing was fetched.
	assert.Zero(t, r.LastAvailIndex())
}

// A ring of 4 with a single writable descriptor at index 2.
func TestRing_SingleWritableDescriptor(t *testing.T) {
	sq, r := newTestRing(t, 4, 0)

	x := sq.ItemAddress(2)
	sq.SetDescriptor(2, virtqueue.Descriptor{Address: x, Length: 10, Flags: virtqueue.DescriptorFlagWritable})
	sq.OfferDescriptorChains([]uint16{2})

	riov, wiov := NewIOV(0), NewIOV(0)
	head, ok, err := r.GetDesc(riov, wiov)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint16(2), head)
	assert.Empty(t, riov.Segments)
	assert.Equal(t, []Segment{{Addr: x, Len: 10}}, wiov.Segments)

	require.NoError(t, r.Complete(head, 7))
	assert.Equal(t, uint16(1), readUsedIndex(t, r))
	assert.Equal(t, virtqueue.UsedElement{DescriptorIndex: 2, Length: 7}, readUsedElement(t, r, 0))

	notify, err := r.NeedNotify()
	require.NoError(t, err)
	assert.True(t, notify)

	assert.Equal(t, []virtqueue.UsedElement{{DescriptorIndex: 2, Length: 7}}, sq.TakeUsed(0))
}

func TestRing_RoundTrip(t *testing.T) {
	for _, indirect := range []bool{false, true} {
		name := "direct"
		if indirect {
			name = "indirect"
		}
		t.Run(name, func(t *testing.T) {
			sq, r := newTestRing(t, 8, virtio.FeatureIndirectDescriptors)

			out := [][]byte{[]byte("vring"), []byte("h says"), []byte(" hi")}
			offer := sq.OfferDescriptorChain
			if indirect {
				offer = sq.OfferIndirectDescriptorChain
			}
			head, err := offer(out, 2)
			require.NoError(t, err)

			riov, wiov := NewIOV(0), NewIOV(0)
			got, ok, err := r.GetDesc(riov, wiov)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, head, got)

			require.Len(t, riov.Segments, 3)
			require.Len(t, wiov.Segments, 2)
			assert.Equal(t, 14, riov.Len())
			assert.Equal(t, 2*sq.ItemSize(), wiov.Len())

			buf := make([]byte, 64)
			n, err := r.Pull(riov, buf)
			require.NoError(t, err)
			assert.Equal(t, "vringh says hi", string(buf[:n]))
			assert.Zero(t, riov.Remaining())

			// Fill the first writable buffer and spill into the second one.
			reply := make([]byte, sq.ItemSize()+3)
			for i := range reply {
				reply[i] = byte(i)
			}
			n, err = r.Push(wiov, reply)
			require.NoError(t, err)
			assert.Equal(t, len(reply), n)
			assert.Equal(t, sq.ItemSize()-3, wiov.Remaining())

			require.NoError(t, r.Complete(head, uint32(n)))
			assert.Equal(t, []virtqueue.UsedElement{{DescriptorIndex: uint32(head), Length: uint32(n)}}, sq.TakeUsed(0))

			_, in, err := sq.GetDescriptorChain(head)
			require.NoError(t, err)
			require.Len(t, in, 2)
			assert.Equal(t, reply[:sq.ItemSize()], in[0])
			assert.Equal(t, reply[sq.ItemSize():], in[1][:3])
			require.NoError(t, sq.FreeDescriptorChain(head))
		})
	}
}

func TestRing_GetDesc_HeadOutOfRange(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sq, r := newTestRing(t, 4, 0, WithDiagnostics(NewLogDiagnostics(logger, DefaultDiagnosticsInterval, DefaultDiagnosticsBurst)))
	sq.OfferDescriptorChains([]uint16{4})

	head, ok, err := r.GetDesc(NewIOV(0), NewIOV(0))
	require.ErrorIs(t, err, ErrHeadOutOfRange)
	assert.False(t, ok)
	assert.Equal(t, r.Num(), head)
	assert.Zero(t, r.LastAvailIndex())

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "vringh: Peer says out of range index is available", hook.LastEntry().Message)
	assert.Equal(t, uint16(4), hook.LastEntry().Data["head"])
}

func TestRing_Abandon(t *testing.T) {
	sq, r := newTestRing(t, 8, 0)

	var heads []uint16
	for range 3 {
		head, err := sq.OfferDescriptorChain([][]byte{[]byte("x")}, 0)
		require.NoError(t, err)
		heads = append(heads, head)
	}

	riov := NewIOV(0)
	for _, want := range heads[:2] {
		head, ok, err := r.GetDesc(riov, nil)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, head)
	}
	assert.Equal(t, uint16(2), r.LastAvailIndex())

	r.Abandon(2)
	assert.Zero(t, r.LastAvailIndex())

	for _, want := range heads {
		head, ok, err := r.GetDesc(riov, nil)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, head)
	}

	_, ok, err := r.GetDesc(riov, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRing_Reset(t *testing.T) {
	sq, r := newTestRing(t, 4, virtio.FeatureRingEventIndex)
	head, err := sq.OfferDescriptorChain(nil, 1)
	require.NoError(t, err)

	_, ok, err := r.GetDesc(nil, NewIOV(0))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, r.Complete(head, 0))

	r.Reset()
	assert.Zero(t, r.LastAvailIndex())
	assert.Zero(t, r.LastUsedIndex())
	assert.Zero(t, r.Completed())
	// Ring memory is left alone.
	assert.Equal(t, uint16(1), readUsedIndex(t, r))
}
