package virtqueue

import "fmt"

// AvailableRingFlag is a flag that describes an [AvailableRing].
type AvailableRingFlag uint16

const (
	// AvailableRingFlagNoInterrupt is used by the guest to advise the host to
	// not interrupt it when consuming a buffer. It's unreliable, so it's simply
	// an optimization.
	AvailableRingFlagNoInterrupt AvailableRingFlag = 1 << iota
)

// availableRingMemorySize is the size of the memory handed to an
// [AvailableRing]. The trailing used_event field is accessed through a 32-bit
// word, so the ring is padded up to the next word boundary.
func availableRingMemorySize(queueSize int) int {
	return Align(AvailableRingSize(queueSize), 4)
}

// AvailableRing is used by the driver to offer descriptor chains to the device.
// Each ring entry refers to the head of a descriptor chain. It is only written
// to by the driver and read by the device, except for the used_event field.
//
// Because the size of the ring depends on the queue size, we cannot define a
// Go struct with a static size that maps to the memory of the ring. Instead,
// every field is accessed at its offset within the ring memory.
type AvailableRing struct {
	queueSize int
	mem       []byte
}

// newAvailableRing creates an available ring that uses the given underlying
// memory. The length of the memory slice must match
// [availableRingMemorySize] for the given queue size.
func newAvailableRing(queueSize int, mem []byte) *AvailableRing {
	ringSize := availableRingMemorySize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for available ring: %v", len(mem), ringSize))
	}

	return &AvailableRing{
		queueSize: queueSize,
		mem:       mem,
	}
}

func (r *AvailableRing) flags() AvailableRingFlag {
	return AvailableRingFlag(LoadUint16(r.mem, RingFlagsOffset))
}

func (r *AvailableRing) setFlags(flags AvailableRingFlag) {
	StoreUint16(r.mem, RingFlagsOffset, uint16(flags))
}

// ringIndex is where the driver would put the next entry into the ring
// (modulo the queue size).
func (r *AvailableRing) ringIndex() uint16 {
	return LoadUint16(r.mem, RingIndexOffset)
}

func (r *AvailableRing) entry(slot int) uint16 {
	return LoadUint16(r.mem, AvailableRingEntryOffset(slot))
}

// usedEvent tells the device after which used ring index the driver wants to
// be interrupted. Only honored when event indexes were negotiated.
func (r *AvailableRing) usedEvent() uint16 {
	return LoadUint16(r.mem, UsedEventOffset(r.queueSize))
}

func (r *AvailableRing) setUsedEvent(v uint16) {
	StoreUint16(r.mem, UsedEventOffset(r.queueSize), v)
}

// offer adds the given descriptor chain heads to the available ring and
// advances the ring index accordingly to make the device process the new
// descriptor chains. It returns the new ring index.
func (r *AvailableRing) offer(chains []uint16) uint16 {
	ringIndex := r.ringIndex()

	// Add descriptor chain heads to the ring.
	for offset, x := range chains {
		// The 16-bit ring index may overflow. This is expected and is not an
		// issue because the size of the ring array (which equals the queue
		// size) is always a power of 2 and smaller than the highest possible
		// 16-bit value.
		insertIndex := int(ringIndex+uint16(offset)) % r.queueSize
		StoreUint16(r.mem, AvailableRingEntryOffset(insertIndex), x)
	}

	// Only now that the entries are in place, publish them by increasing the
	// ring index. The atomic store orders it after the entry writes.
	ringIndex += uint16(len(chains))
	StoreUint16(r.mem, RingIndexOffset, ringIndex)
	return ringIndex
}
