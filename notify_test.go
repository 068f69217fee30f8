package vringh

import (
	"testing"

	"github.com/slackhq/vringh/util/virtio"
	"github.com/slackhq/vringh/virtqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_NeedNotify_Legacy(t *testing.T) {
	sq, r := newTestRing(t, 4, 0)

	require.NoError(t, r.Complete(0, 0))
	notify, err := r.NeedNotify()
	require.NoError(t, err)
	assert.True(t, notify)

	sq.SetNoInterrupt(true)
	require.NoError(t, r.Complete(1, 0))
	notify, err = r.NeedNotify()
	require.NoError(t, err)
	assert.False(t, notify)

	// Without event indexes the completions keep counting from the start.
	assert.Zero(t, r.LastUsedIndex())
	assert.Equal(t, uint32(2), r.Completed())
}

func TestRing_NeedNotify_EventIndex(t *testing.T) {
	tests := []struct {
		name        string
		lastUsedIdx uint16
		completed   uint32
		usedEvent   uint16
		expected    bool
	}{
		{name: "nothing completed", lastUsedIdx: 5, completed: 0, usedEvent: 5, expected: false},
		{name: "event is first new entry", lastUsedIdx: 5, completed: 1, usedEvent: 5, expected: true},
		{name: "event inside the batch", lastUsedIdx: 5, completed: 4, usedEvent: 7, expected: true},
		{name: "event is last new entry", lastUsedIdx: 5, completed: 4, usedEvent: 8, expected: true},
		{name: "event after the batch", lastUsedIdx: 5, completed: 4, usedEvent: 9, expected: false},
		{name: "event before the batch", lastUsedIdx: 5, completed: 4, usedEvent: 4, expected: false},
		{name: "wrap event before overflow", lastUsedIdx: 65534, completed: 3, usedEvent: 65535, expected: true},
		{name: "wrap event after overflow", lastUsedIdx: 65534, completed: 3, usedEvent: 0, expected: true},
		{name: "wrap event past the batch", lastUsedIdx: 65534, completed: 3, usedEvent: 1, expected: false},
		{name: "wrap event behind", lastUsedIdx: 65534, completed: 3, usedEvent: 65533, expected: false},
		{name: "more completions than indexes", lastUsedIdx: 3, completed: 0x10000, usedEvent: 2, expected: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, r := newTestRing(t, 4, virtio.FeatureRingEventIndex)
			r.lastUsedIdx = tt.lastUsedIdx
			r.completed = tt.completed
			require.NoError(t, r.mem.Store16(r.avail+uint64(virtqueue.UsedEventOffset(4)), tt.usedEvent))

			notify, err := r.NeedNotify()
			require.NoError(t, err)
			assert.Equal(t, tt.expected, notify)
			assert.Equal(t, tt.lastUsedIdx+uint16(tt.completed), r.LastUsedIndex())
			assert.Zero(t, r.Completed())
		})
	}
}

func TestRing_NeedNotify_EventIndexWithDriver(t *testing.T) {
	sq, r := newTestRing(t, 4, virtio.FeatureRingEventIndex)

	var heads []uint16
	for range 2 {
		head, err := sq.OfferDescriptorChain(nil, 1)
		require.NoError(t, err)
		heads = append(heads, head)
	}

	for _, head := range heads {
		_, _, err := r.GetDesc(nil, NewIOV(0))
		require.NoError(t, err)
		require.NoError(t, r.Complete(head, 0))
	}

	// The driver wants to hear about the first completion.
	notify, err := r.NeedNotify()
	require.NoError(t, err)
	assert.True(t, notify)

	// It has not looked at the used ring yet, so it is not interested in more.
	head, err := sq.OfferDescriptorChain(nil, 1)
	require.NoError(t, err)
	_, _, err = r.GetDesc(nil, NewIOV(0))
	require.NoError(t, err)
	require.NoError(t, r.Complete(head, 0))
	notify, err = r.NeedNotify()
	require.NoError(t, err)
	assert.False(t, notify)

	// After taking everything it asks for the next one.
	assert.Len(t, sq.TakeUsed(0), 3)
	head, err = sq.OfferDescriptorChain(nil, 1)
	require.NoError(t, err)
	_, _, err = r.GetDesc(nil, NewIOV(0))
	require.NoError(t, err)
	require.NoError(t, r.Complete(head, 0))
	notify, err = r.NeedNotify()
	require.NoError(t, err)
	assert.True(t, notify)
}

func TestRing_EnableDisableNotify_Legacy(t *testing.T) {
	sq, r := newTestRing(t, 4, 0)

	require.NoError(t, r.DisableNotify())
	_, err := sq.OfferDescriptorChain(nil, 1)
	require.NoError(t, err)
	assert.False(t, sq.NeedKick())

	// Work arrived while notifications were off.
	armed, err := r.EnableNotify()
	require.NoError(t, err)
	assert.False(t, armed)

	_, ok, err := r.GetDesc(nil, NewIOV(0))
	require.NoError(t, err)
	require.True(t, ok)

	armed, err = r.EnableNotify()
	require.NoError(t, err)
	assert.True(t, armed)

	_, err = sq.OfferDescriptorChain(nil, 1)
	require.NoError(t, err)
	assert.True(t, sq.NeedKick())
}

func TestRing_EnableDisableNotify_EventIndex(t *testing.T) {
	sq, r := newTestRing(t, 4, virtio.FeatureRingEventIndex)

	_, err := sq.OfferDescriptorChain(nil, 1)
	require.NoError(t, err)
	// The avail event is still 0, so the first entry needs a kick.
	assert.True(t, sq.NeedKick())

	// Disabling is a no-op with event indexes, the used flags stay clear.
	require.NoError(t, r.DisableNotify())
	flags, err := r.mem.Load16(r.used + virtqueue.RingFlagsOffset)
	require.NoError(t, err)
	assert.Zero(t, flags)

	armed, err := r.EnableNotify()
	require.NoError(t, err)
	assert.False(t, armed)

	_, ok, err := r.GetDesc(nil, NewIOV(0))
	require.NoError(t, err)
	require.True(t, ok)

	armed, err = r.EnableNotify()
	require.NoError(t, err)
	assert.True(t, armed)
	availEvent, err := r.mem.Load16(r.used + uint64(virtqueue.AvailableEventOffset(4)))
	require.NoError(t, err)
	assert.Equal(t, uint16(1), availEvent)

	_, err = sq.OfferDescriptorChain(nil, 1)
	require.NoError(t, err)
	assert.True(t, sq.NeedKick())
	_, err = sq.OfferDescriptorChain(nil, 1)
	require.NoError(t, err)
	assert.False(t, sq.NeedKick())
}
