package virtqueue

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// The ring index and flags fields are 16 bits wide, but Go only offers atomic
// operations on 32 and 64 bit words. These helpers access a field through the
// naturally aligned 32-bit word that contains it. Ring parts are at least
// 2-byte aligned and the containing word must be fully inside mem.

func fieldWord(mem []byte, off int) (*uint32, uint) {
	if off < 0 || off+2 > len(mem) {
		panic(fmt.Sprintf("16-bit field at %d is outside of memory with length %d", off, len(mem)))
	}
	addr := uintptr(unsafe.Pointer(&mem[off]))
	if addr&1 != 0 {
		panic(fmt.Sprintf("16-bit field at %#x is not aligned", addr))
	}
	shift := uint(addr & 3)
	wordOff := off - int(shift)
	if wordOff < 0 || wordOff+4 > len(mem) {
		panic(fmt.Sprintf("word of 16-bit field at %d is outside of memory with length %d", off, len(mem)))
	}
	return (*uint32)(unsafe.Pointer(&mem[wordOff])), shift
}

// LoadUint16 atomically loads the little-endian 16-bit field at mem[off:].
func LoadUint16(mem []byte, off int) uint16 {
	w, shift := fieldWord(mem, off)
	return Uint16FromWord(atomic.LoadUint32(w), shift)
}

// StoreUint16 atomically stores v into the little-endian 16-bit field at
// mem[off:] without disturbing the other half of the containing word.
func StoreUint16(mem []byte, off int, v uint16) {
	w, shift := fieldWord(mem, off)
	for {
		old := atomic.LoadUint32(w)
		if atomic.CompareAndSwapUint32(w, old, WordWithUint16(old, shift, v)) {
			return
		}
	}
}

// Uint16FromWord extracts the little-endian 16-bit field at byte offset shift
// from a 32-bit word that was loaded in native byte order.
func Uint16FromWord(word uint32, shift uint) uint16 {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], word)
	return binary.LittleEndian.Uint16(b[shift:])
}

// WordWithUint16 returns word with the 16-bit field at byte offset shift
// replaced by v.
func WordWithUint16(word uint32, shift uint, v uint16) uint32 {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], word)
	binary.LittleEndian.PutUint16(b[shift:], v)
	return binary.NativeEndian.Uint32(b[:])
}
