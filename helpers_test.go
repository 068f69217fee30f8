package vringh

import (
	"unsafe"

	"github.com/slackhq/vringh/virtqueue"
)

// unsafeBytes returns the memory of words as bytes, which is 4-byte aligned
// unlike a plain byte slice.
func unsafeBytes(words []uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*4)
}

// packedRing lays out a ring of num entries without any padding between its
// parts at the start of a 4-byte aligned memory, which ends pad bytes after
// the used ring.
func packedRing(num, pad int) (mem *LocalMemory, desc, avail, used uint64) {
	availOff := virtqueue.DescriptorTableSize(num)
	usedOff := virtqueue.Align(availOff+virtqueue.AvailableRingSize(num), 4)
	size := usedOff + virtqueue.UsedRingSize(num) + pad

	mem = NewLocalMemory(unsafeBytes(make([]uint32, (size+3)/4))[:size])
	base := mem.Base()
	return mem, base, base + uint64(availOff), base + uint64(usedOff)
}

func virtqueueDescriptor(addr uint64, length uint32) virtqueue.Descriptor {
	return virtqueue.Descriptor{Address: addr, Length: length}
}
