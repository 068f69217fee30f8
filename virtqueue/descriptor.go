package virtqueue

import "encoding/binary"

// DescriptorFlag is a flag that describes a [Descriptor].
type DescriptorFlag uint16

const (
	// DescriptorFlagHasNext marks a descriptor chain as continuing via the next
	// field.
	DescriptorFlagHasNext DescriptorFlag = 1 << iota
	// DescriptorFlagWritable marks a buffer as device write-only (otherwise
	// device read-only).
	DescriptorFlagWritable
	// DescriptorFlagIndirect means the buffer contains a list of buffer
	// descriptors to provide an additional layer of indirection.
	// Only allowed when the [virtio.FeatureIndirectDescriptors] feature was
	// negotiated.
	DescriptorFlagIndirect
)

// DescriptorSize is the number of bytes needed to store a [Descriptor] in
// memory.
const DescriptorSize = 16

// Descriptor describes (a part of) a buffer which is either read-only for the
// device or write-only for the device (depending on [DescriptorFlagWritable]).
// Multiple descriptors can be chained to produce a "descriptor chain" that can
// contain both device-readable and device-writable buffers. Device-readable
// descriptors always come first in a chain.
type Descriptor struct {
	// Address of the continuous memory holding the data for this descriptor,
	// in the address space of the driver.
	Address uint64
	// Length is the amount of bytes stored at Address.
	Length uint32
	// Flags that describe this descriptor.
	Flags DescriptorFlag
	// Next contains the index of the next descriptor continuing this
	// descriptor chain when the [DescriptorFlagHasNext] flag is set.
	Next uint16
}

// HasNext reports whether the chain continues after this descriptor.
func (d *Descriptor) HasNext() bool {
	return d.Flags&DescriptorFlagHasNext != 0
}

// Writable reports whether the device may write to the buffer.
func (d *Descriptor) Writable() bool {
	return d.Flags&DescriptorFlagWritable != 0
}

// Indirect reports whether the buffer holds a table of further descriptors.
func (d *Descriptor) Indirect() bool {
	return d.Flags&DescriptorFlagIndirect != 0
}

// Encode writes the little-endian wire representation of d into b, which must
// be at least [DescriptorSize] bytes long.
func (d *Descriptor) Encode(b []byte) {
	_ = b[DescriptorSize-1]
	binary.LittleEndian.PutUint64(b[0:8], d.Address)
	binary.LittleEndian.PutUint32(b[8:12], d.Length)
	binary.LittleEndian.PutUint16(b[12:14], uint16(d.Flags))
	binary.LittleEndian.PutUint16(b[14:16], d.Next)
}

// DecodeDescriptor reads a descriptor from its wire representation.
func DecodeDescriptor(b []byte) Descriptor {
	_ = b[DescriptorSize-1]
	return Descriptor{
		Address: binary.LittleEndian.Uint64(b[0:8]),
		Length:  binary.LittleEndian.Uint32(b[8:12]),
		Flags:   DescriptorFlag(binary.LittleEndian.Uint16(b[12:14])),
		Next:    binary.LittleEndian.Uint16(b[14:16]),
	}
}
