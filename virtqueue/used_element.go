package virtqueue

import "encoding/binary"

// UsedElementSize is the number of bytes needed to store a [UsedElement] in
// memory.
const UsedElementSize = 8

// UsedElement is an element of the used ring and describes a descriptor chain
// that was used by the device.
type UsedElement struct {
	// DescriptorIndex is the index of the head of the used descriptor chain in
	// the descriptor table.
	// The index is 32-bit here for padding reasons.
	DescriptorIndex uint32
	// Length is the number of bytes written into the device writable portion of
	// the buffer described by the descriptor chain.
	Length uint32
}

func (u *UsedElement) GetHead() uint16 {
	return uint16(u.DescriptorIndex)
}

// Encode writes the little-endian wire representation of u into b.
func (u *UsedElement) Encode(b []byte) {
	_ = b[UsedElementSize-1]
	binary.LittleEndian.PutUint32(b[0:4], u.DescriptorIndex)
	binary.LittleEndian.PutUint32(b[4:8], u.Length)
}

// DecodeUsedElement reads a used element from its wire representation.
func DecodeUsedElement(b []byte) UsedElement {
	_ = b[UsedElementSize-1]
	return UsedElement{
		DescriptorIndex: binary.LittleEndian.Uint32(b[0:4]),
		Length:          binary.LittleEndian.Uint32(b[4:8]),
	}
}

// EncodeUsedElements writes elems back to back into b.
func EncodeUsedElements(b []byte, elems []UsedElement) {
	for i := range elems {
		elems[i].Encode(b[i*UsedElementSize:])
	}
}
