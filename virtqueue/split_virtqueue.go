package virtqueue

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SplitQueue is a virtqueue that consists of several parts, where each part is
// writeable by either the driver or the device, but not both.
//
// This is the driver side of the queue: it owns the memory, offers descriptor
// chains and takes them back once the device used them. A SplitQueue is not
// safe for concurrent use, the device however may run concurrently.
type SplitQueue struct {
	// size is the size of the queue.
	size int
	// buf is the underlying memory used for the queue and its buffers.
	buf []byte

	descriptorTable *DescriptorTable
	availableRing   *AvailableRing
	usedRing        *UsedRing

	itemSize int

	// eventIndex is set when the event index feature was negotiated.
	eventIndex bool
	// kickedIndex is the available ring index at the last kick decision.
	kickedIndex uint16
}

// NewSplitQueue allocates a new [SplitQueue] in memory. The given queue size
// specifies the number of entries/buffers the queue can hold. Every descriptor
// gets its own item buffer of itemSize bytes, which must be a multiple of the
// page size. This also affects the memory consumption.
func NewSplitQueue(queueSize int, itemSize int) (_ *SplitQueue, err error) {
	if err = CheckQueueSize(queueSize); err != nil {
		return nil, err
	}

	if itemSize <= 0 || itemSize%os.Getpagesize() != 0 {
		return nil, errors.New("split queue item size must be multiple of os.Getpagesize()")
	}

	sq := SplitQueue{
		size:     queueSize,
		itemSize: itemSize,
	}

	// Clean up a partially initialized queue when something fails.
	defer func() {
		if err != nil {
			_ = sq.Close()
		}
	}()

	// The queue parts and all item buffers live in one memory mapping. Go does
	// not allow us to ensure a correct alignment of the parts of the
	// virtqueue, as it is required by the virtio specification, and the
	// garbage collector must never move or collect memory the device still
	// works with. Allocating the memory manually solves both.
	//
	// Having everything in one continuous region is not required by the
	// virtio specification, but it makes the queue a single region for the
	// device to map and range check.
	descriptorTableStart := 0
	descriptorTableEnd := descriptorTableStart + DescriptorTableSize(queueSize)
	availableRingStart := Align(descriptorTableEnd, AvailableRingAlignment)
	availableRingEnd := availableRingStart + availableRingMemorySize(queueSize)
	usedRingStart := Align(availableRingEnd, UsedRingAlignment)
	usedRingEnd := usedRingStart + usedRingMemorySize(queueSize)
	itemsStart := Align(usedRingEnd, os.Getpagesize())
	itemsEnd := itemsStart + queueSize*itemSize

	sq.buf, err = unix.Mmap(-1, 0, itemsEnd,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocate virtqueue buffer: %w", err)
	}

	sq.descriptorTable = newDescriptorTable(queueSize,
		sq.buf[descriptorTableStart:descriptorTableEnd:descriptorTableEnd],
		sq.buf[itemsStart:itemsEnd:itemsEnd], itemSize)
	sq.availableRing = newAvailableRing(queueSize, sq.buf[availableRingStart:availableRingEnd:availableRingEnd])
	sq.usedRing = newUsedRing(queueSize, sq.buf[usedRingStart:usedRingEnd:usedRingEnd])

	sq.descriptorTable.initializeDescriptors()

	return &sq, nil
}

// Size returns the size of this queue, which is the number of entries/buffers
// this queue can hold.
func (sq *SplitQueue) Size() int {
	return sq.size
}

// ItemSize returns the size of the buffer each descriptor references.
func (sq *SplitQueue) ItemSize() int {
	return sq.itemSize
}

// Memory returns the whole memory region of the queue, including the item
// buffers. Do not modify the memory directly to not interfere with this
// implementation.
func (sq *SplitQueue) Memory() []byte {
	return sq.buf
}

// DescriptorTableAddress returns the address of the descriptor table.
func (sq *SplitQueue) DescriptorTableAddress() uint64 {
	return sq.descriptorTable.Address()
}

// AvailableRingAddress returns the address of the available ring.
func (sq *SplitQueue) AvailableRingAddress() uint64 {
	return uint64(uintptr(unsafe.Pointer(&sq.availableRing.mem[0])))
}

// UsedRingAddress returns the address of the used ring.
func (sq *SplitQueue) UsedRingAddress() uint64 {
	return uint64(uintptr(unsafe.Pointer(&sq.usedRing.mem[0])))
}

// SetEventIndex enables or disables the use of event indexes for interrupt and
// kick suppression. It must match what was negotiated with the device.
func (sq *SplitQueue) SetEventIndex(enabled bool) {
	sq.eventIndex = enabled
	if enabled {
		sq.availableRing.setUsedEvent(sq.usedRing.lastIndex)
	}
}

// SetNoInterrupt advises the device to not interrupt the driver when it used
// buffers. Only honored when event indexes are not in use.
func (sq *SplitQueue) SetNoInterrupt(noInterrupt bool) {
	var flags AvailableRingFlag
	if noInterrupt {
		flags |= AvailableRingFlagNoInterrupt
	}
	sq.availableRing.setFlags(flags)
}

// FreeDescriptors returns the number of descriptors that are not part of an
// outstanding chain.
func (sq *SplitQueue) FreeDescriptors() int {
	return sq.descriptorTable.freeCount()
}

// OfferDescriptorChain offers a descriptor chain to the device which contains a
// number of device-readable buffers (out buffers) and device-writable buffers
// (in buffers).
//
// All buffers in the outBuffers slice will be concatenated by chaining
// descriptors, one for each buffer in the slice. When a buffer is too large to
// fit into a single item, it will be split up into multiple descriptors within
// the chain. When numInBuffers is greater than zero, the given number of
// device-writable descriptors will be appended to the end of the chain, each
// referencing a whole item.
//
// When the queue is full and no more descriptor chains can be added, a wrapped
// [ErrNotEnoughFreeDescriptors] will be returned.
//
// After defining the descriptor chain in the [DescriptorTable], the index of
// the head of the chain will be made available to the device using the
// [AvailableRing] and will be returned by this method. Use [SplitQueue.NeedKick]
// to decide whether the device must be notified.
func (sq *SplitQueue) OfferDescriptorChain(outBuffers [][]byte, numInBuffers int) (uint16, error) {
	head, err := sq.descriptorTable.createDescriptorChain(outBuffers, numInBuffers)
	if err != nil {
		return 0, fmt.Errorf("create descriptor chain: %w", err)
	}

	// Make the descriptor chain available to the device.
	sq.availableRing.offer([]uint16{head})
	return head, nil
}

// OfferIndirectDescriptorChain works like [SplitQueue.OfferDescriptorChain],
// but places the chain in an indirect descriptor table so it only takes one
// entry of the main descriptor table.
func (sq *SplitQueue) OfferIndirectDescriptorChain(outBuffers [][]byte, numInBuffers int) (uint16, error) {
	head, err := sq.descriptorTable.createIndirectDescriptorChain(outBuffers, numInBuffers)
	if err != nil {
		return 0, fmt.Errorf("create indirect descriptor chain: %w", err)
	}

	sq.availableRing.offer([]uint16{head})
	return head, nil
}

// OfferDescriptorChains makes the given heads available to the device without
// touching the descriptor table. Together with [SplitQueue.SetDescriptor] this
// allows to hand arbitrary, even malformed, chains to the device.
func (sq *SplitQueue) OfferDescriptorChains(chains []uint16) {
	sq.availableRing.offer(chains)
}

// SetDescriptor overwrites the descriptor at the given index.
func (sq *SplitQueue) SetDescriptor(index uint16, desc Descriptor) {
	sq.descriptorTable.set(index, desc)
}

// Descriptor returns the descriptor at the given index.
func (sq *SplitQueue) Descriptor(index uint16) Descriptor {
	return sq.descriptorTable.get(index)
}

// Item returns the item buffer of the descriptor with the given index.
func (sq *SplitQueue) Item(index uint16) []byte {
	return sq.descriptorTable.item(index)
}

// ItemAddress returns the address of the item buffer of the descriptor with
// the given index.
func (sq *SplitQueue) ItemAddress(index uint16) uint64 {
	return sq.descriptorTable.itemAddress(index)
}

// NeedKick reports whether the device has to be notified about the chains
// that were offered since the last call.
func (sq *SplitQueue) NeedKick() bool {
	oldIndex := sq.kickedIndex
	newIndex := sq.availableRing.ringIndex()
	sq.kickedIndex = newIndex

	if sq.eventIndex {
		return NeedEvent(sq.usedRing.availableEvent(), newIndex, oldIndex)
	}
	return sq.usedRing.flags()&UsedRingFlagNoNotify == 0
}

// UsedAvailable returns the number of used elements that can be taken.
func (sq *SplitQueue) UsedAvailable() int {
	return sq.usedRing.availableToTake()
}

// TakeUsed returns up to maxToTake used elements the device put into the used
// ring since the last call. A maxToTake of zero or less takes all of them.
// With event indexes, the driver asks to be interrupted for the next element.
func (sq *SplitQueue) TakeUsed(maxToTake int) []UsedElement {
	elems := sq.usedRing.take(maxToTake)
	if sq.eventIndex {
		sq.availableRing.setUsedEvent(sq.usedRing.lastIndex)
	}
	return elems
}

// GetDescriptorChain returns the buffers of the descriptor chain that starts
// with the given head index.
// The head index must be one that was returned by a previous call to
// [SplitQueue.OfferDescriptorChain] and the descriptor chain must not have been
// freed yet.
//
// Be careful to only access the returned buffer slices when the device is no
// longer using them. They must not be accessed after
// [SplitQueue.FreeDescriptorChain] has been called.
func (sq *SplitQueue) GetDescriptorChain(head uint16) (outBuffers, inBuffers [][]byte, err error) {
	return sq.descriptorTable.getDescriptorChain(head)
}

// FreeDescriptorChain must be called once a used descriptor chain is no longer
// needed, so its descriptors can be reused.
func (sq *SplitQueue) FreeDescriptorChain(head uint16) error {
	if err := sq.descriptorTable.freeDescriptorChain(head); err != nil {
		return fmt.Errorf("free: %w", err)
	}
	return nil
}

// Close releases all resources used for this queue.
func (sq *SplitQueue) Close() error {
	var errs []error

	if sq.buf != nil {
		if err := unix.Munmap(sq.buf); err == nil {
			sq.buf = nil
		} else {
			errs = append(errs, fmt.Errorf("unmap virtqueue buffer: %w", err))
		}
	}

	return errors.Join(errs...)
}
