package virtqueue

import (
	"errors"
	"fmt"
	"unsafe"
)

var (
	// ErrDescriptorChainEmpty is returned when a descriptor chain would contain
	// no buffers, which is not allowed.
	ErrDescriptorChainEmpty = errors.New("empty descriptor chains are not allowed")

	// ErrNotEnoughFreeDescriptors is returned when the free descriptors are
	// exhausted, meaning that the queue is full.
	ErrNotEnoughFreeDescriptors = errors.New("not enough free descriptors, queue is full")

	// ErrInvalidDescriptorChain is returned when a descriptor chain is not
	// valid for a given operation.
	ErrInvalidDescriptorChain = errors.New("invalid descriptor chain")
)

// descriptorChain remembers which descriptors and buffers make up a chain
// that was handed to the device, so it can be read back and freed.
type descriptorChain struct {
	slots      []uint16
	outBuffers [][]byte
	inBuffers  [][]byte
}

// DescriptorTable is a table that holds [Descriptor]s, addressed via their
// index. Every descriptor owns one item buffer of a fixed size which it
// references whenever it is part of a chain.
type DescriptorTable struct {
	queueSize int
	mem       []byte

	items    []byte
	itemBase uint64
	itemSize int

	// free is a stack of currently unused descriptor indexes.
	free []uint16
	// chains holds the outstanding chains by head index.
	chains []*descriptorChain
}

// newDescriptorTable creates a descriptor table that uses the given underlying
// memory. The Length of the memory slice must match the size needed for the
// descriptor table (see [DescriptorTableSize]) for the given queue size, and
// items must provide itemSize bytes for every descriptor.
//
// Before this descriptor table can be used, [initializeDescriptors] must be
// called.
func newDescriptorTable(queueSize int, mem []byte, items []byte, itemSize int) *DescriptorTable {
	dtSize := DescriptorTableSize(queueSize)
	if len(mem) != dtSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for descriptor table: %v", len(mem), dtSize))
	}
	if len(items) != queueSize*itemSize {
		panic(fmt.Sprintf("item memory size (%v) does not match required size: %v",
			len(items), queueSize*itemSize))
	}

	return &DescriptorTable{
		queueSize: queueSize,
		mem:       mem,
		items:     items,
		itemBase:  uint64(uintptr(unsafe.Pointer(&items[0]))),
		itemSize:  itemSize,
		chains:    make([]*descriptorChain, queueSize),
	}
}

// Address returns the address of the beginning of the descriptor table in
// memory.
func (dt *DescriptorTable) Address() uint64 {
	return uint64(uintptr(unsafe.Pointer(&dt.mem[0])))
}

// initializeDescriptors clears the table and marks all descriptors as free.
// Lower indexes are handed out first.
func (dt *DescriptorTable) initializeDescriptors() {
	clear(dt.mem)
	dt.free = dt.free[:0]
	for i := dt.queueSize - 1; i >= 0; i-- {
		dt.free = append(dt.free, uint16(i))
	}
	clear(dt.chains)
}

func (dt *DescriptorTable) get(index uint16) Descriptor {
	return DecodeDescriptor(dt.mem[int(index)*DescriptorSize:])
}

func (dt *DescriptorTable) set(index uint16, desc Descriptor) {
	desc.Encode(dt.mem[int(index)*DescriptorSize:])
}

func (dt *DescriptorTable) item(index uint16) []byte {
	start := int(index) * dt.itemSize
	return dt.items[start : start+dt.itemSize : start+dt.itemSize]
}

func (dt *DescriptorTable) itemAddress(index uint16) uint64 {
	return dt.itemBase + uint64(int(index)*dt.itemSize)
}

func (dt *DescriptorTable) allocate(n int) ([]uint16, error) {
	if n > len(dt.free) {
		return nil, ErrNotEnoughFreeDescriptors
	}
	slots := make([]uint16, n)
	for i := range slots {
		slots[i] = dt.free[len(dt.free)-1]
		dt.free = dt.free[:len(dt.free)-1]
	}
	return slots, nil
}

// layoutBuffers fills the item buffers of slots with the content of
// outBuffers, splitting buffers larger than an item, and returns the
// descriptors describing them followed by numInBuffers writable descriptors,
// each spanning a whole item.
func (dt *DescriptorTable) layoutBuffers(slots []uint16, outBuffers [][]byte, numInBuffers int) ([]Descriptor, *descriptorChain) {
	descs := make([]Descriptor, 0, len(slots))
	chain := &descriptorChain{}
	next := 0
	for _, buffer := range outBuffers {
		for len(buffer) > 0 {
			slot := slots[next]
			next++
			n := copy(dt.item(slot), buffer)
			buffer = buffer[n:]
			descs = append(descs, Descriptor{
				Address: dt.itemAddress(slot),
				Length:  uint32(n),
			})
			chain.outBuffers = append(chain.outBuffers, dt.item(slot)[:n])
		}
	}
	for range numInBuffers {
		slot := slots[next]
		next++
		descs = append(descs, Descriptor{
			Address: dt.itemAddress(slot),
			Length:  uint32(dt.itemSize),
			Flags:   DescriptorFlagWritable,
		})
		chain.inBuffers = append(chain.inBuffers, dt.item(slot))
	}
	return descs, chain
}

func (dt *DescriptorTable) countDescriptors(outBuffers [][]byte, numInBuffers int) int {
	n := numInBuffers
	for _, buffer := range outBuffers {
		n += (len(buffer) + dt.itemSize - 1) / dt.itemSize
	}
	return n
}

// createDescriptorChain creates a new descriptor chain within the descriptor
// table which contains a number of device-readable buffers (out buffers) and
// device-writable buffers (in buffers).
//
// The content of every out buffer is copied into the item buffers of the
// chain, split over several descriptors when it does not fit into one item.
// Every in buffer is a whole item.
func (dt *DescriptorTable) createDescriptorChain(outBuffers [][]byte, numInBuffers int) (uint16, error) {
	n := dt.countDescriptors(outBuffers, numInBuffers)
	if n == 0 {
		return 0, ErrDescriptorChainEmpty
	}

	slots, err := dt.allocate(n)
	if err != nil {
		return 0, err
	}

	descs, chain := dt.layoutBuffers(slots, outBuffers, numInBuffers)
	for i := range descs {
		if i+1 < len(descs) {
			descs[i].Flags |= DescriptorFlagHasNext
			descs[i].Next = slots[i+1]
		}
		dt.set(slots[i], descs[i])
	}

	chain.slots = slots
	dt.chains[slots[0]] = chain
	return slots[0], nil
}

// createIndirectDescriptorChain works like [createDescriptorChain], but puts
// the chain into an indirect table. The table itself is stored in the item
// buffer of the head descriptor, so it can hold at most itemSize/16 entries.
func (dt *DescriptorTable) createIndirectDescriptorChain(outBuffers [][]byte, numInBuffers int) (uint16, error) {
	n := dt.countDescriptors(outBuffers, numInBuffers)
	if n == 0 {
		return 0, ErrDescriptorChainEmpty
	}
	if n*DescriptorSize > dt.itemSize {
		return 0, fmt.Errorf("indirect table with %d descriptors does not fit into %d bytes", n, dt.itemSize)
	}

	slots, err := dt.allocate(n + 1)
	if err != nil {
		return 0, err
	}

	head := slots[0]
	table := dt.item(head)
	descs, chain := dt.layoutBuffers(slots[1:], outBuffers, numInBuffers)
	for i := range descs {
		if i+1 < len(descs) {
			// Indexes within an indirect table refer to the table itself.
			descs[i].Flags |= DescriptorFlagHasNext
			descs[i].Next = uint16(i + 1)
		}
		descs[i].Encode(table[i*DescriptorSize:])
	}

	dt.set(head, Descriptor{
		Address: dt.itemAddress(head),
		Length:  uint32(len(descs) * DescriptorSize),
		Flags:   DescriptorFlagIndirect,
	})

	chain.slots = slots
	dt.chains[head] = chain
	return head, nil
}

// getDescriptorChain returns the device-readable buffers (out buffers) and
// device-writable buffers (in buffers) of the descriptor chain that starts with
// the given head index. The descriptor chain must have been created using
// [createDescriptorChain] and must not have been freed yet.
//
// Be careful to only access the returned buffer slices when the device has not
// yet or is no longer using them. They must not be accessed after
// [freeDescriptorChain] has been called.
func (dt *DescriptorTable) getDescriptorChain(head uint16) (outBuffers, inBuffers [][]byte, err error) {
	if int(head) >= dt.queueSize {
		return nil, nil, fmt.Errorf("%w: index out of range", ErrInvalidDescriptorChain)
	}
	chain := dt.chains[head]
	if chain == nil {
		return nil, nil, fmt.Errorf("%w: %d is not the head of an outstanding chain", ErrInvalidDescriptorChain, head)
	}
	return chain.outBuffers, chain.inBuffers, nil
}

// freeDescriptorChain can be used to free a descriptor chain when it is no
// longer in use. All descriptors of the chain become available for later calls
// of [createDescriptorChain].
func (dt *DescriptorTable) freeDescriptorChain(head uint16) error {
	if int(head) >= dt.queueSize {
		return fmt.Errorf("%w: index out of range", ErrInvalidDescriptorChain)
	}
	chain := dt.chains[head]
	if chain == nil {
		return fmt.Errorf("%w: %d is not the head of an outstanding chain", ErrInvalidDescriptorChain, head)
	}

	for i := len(chain.slots) - 1; i >= 0; i-- {
		slot := chain.slots[i]
		dt.set(slot, Descriptor{})
		dt.free = append(dt.free, slot)
	}
	dt.chains[head] = nil
	return nil
}

// freeCount returns the number of descriptors which are currently not in use.
func (dt *DescriptorTable) freeCount() int {
	return len(dt.free)
}
