package virtqueue

import "fmt"

// UsedRingFlag is a flag that describes a [UsedRing].
type UsedRingFlag uint16

const (
	// UsedRingFlagNoNotify is used by the host to advise the guest to not
	// kick it when adding a buffer. It's unreliable, so it's simply an
	// optimization. Guest will still kick when it's out of buffers.
	UsedRingFlagNoNotify UsedRingFlag = 1 << iota
)

// usedRingMemorySize is the size of the memory handed to a [UsedRing],
// padded so the trailing avail_event field can be accessed as a 32-bit word.
func usedRingMemorySize(queueSize int) int {
	return Align(UsedRingSize(queueSize), 4)
}

// UsedRing is where the device returns descriptor chains once it is done with
// them. Each ring entry is a [UsedElement]. It is only written to by the device
// and read by the driver, except for the avail_event field.
type UsedRing struct {
	queueSize int
	mem       []byte

	// lastIndex is the internal ringIndex up to which all [UsedElement]s were
	// processed.
	lastIndex uint16
}

// newUsedRing creates a used ring that uses the given underlying memory. The
// length of the memory slice must match [usedRingMemorySize] for the given
// queue size.
func newUsedRing(queueSize int, mem []byte) *UsedRing {
	ringSize := usedRingMemorySize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for used ring: %v", len(mem), ringSize))
	}

	r := UsedRing{
		queueSize: queueSize,
		mem:       mem,
	}
	r.lastIndex = r.ringIndex()
	return &r
}

func (r *UsedRing) flags() UsedRingFlag {
	return UsedRingFlag(LoadUint16(r.mem, RingFlagsOffset))
}

// ringIndex indicates where the device would put the next entry into the
// ring (modulo the queue size).
func (r *UsedRing) ringIndex() uint16 {
	return LoadUint16(r.mem, RingIndexOffset)
}

// availableEvent tells the driver after which available ring index the
// device wants to be kicked. Only honored when event indexes were negotiated.
func (r *UsedRing) availableEvent() uint16 {
	return LoadUint16(r.mem, AvailableEventOffset(r.queueSize))
}

func (r *UsedRing) element(slot int) UsedElement {
	return DecodeUsedElement(r.mem[UsedRingEntryOffset(slot):])
}

func (r *UsedRing) availableToTake() int {
	// The ring index may wrap, which the 16-bit subtraction takes care of.
	return int(r.ringIndex() - r.lastIndex)
}

// take returns up to maxToTake new [UsedElement]s that the device put into the
// ring and that weren't already returned by a previous call to this method.
// A maxToTake of zero or less takes everything.
func (r *UsedRing) take(maxToTake int) []UsedElement {
	count := r.availableToTake()
	if count == 0 {
		return nil
	}
	if maxToTake > 0 {
		count = min(count, maxToTake)
	}

	// The number of new elements can never exceed the queue size.
	if count > r.queueSize {
		panic("used ring contains more new elements than the ring is long")
	}

	elems := make([]UsedElement, count)
	for i := range count {
		elems[i] = r.element(int(r.lastIndex) % r.queueSize)
		r.lastIndex++
	}

	return elems
}
