package vringh

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/slackhq/vringh/virtqueue"
)

// LocalMemory is a [Memory] for rings that live in memory owned by this
// process, like a [virtqueue.SplitQueue]. Addresses are process virtual
// addresses and every access is checked against the bounds of the memory the
// accessor was created over, so a bad address results in an error and never
// touches memory outside of it.
type LocalMemory struct {
	base uint64
	mem  []byte
}

// NewLocalMemory returns a [LocalMemory] over mem. mem must not be moved by
// the garbage collector while the accessor is in use, which holds for memory
// returned by mmap.
//
// 16-bit fields are accessed atomically through the aligned 32-bit word that
// contains them, and that whole word must be inside mem. A ring whose last
// field ends mem needs mem to be padded to a multiple of 4 bytes, and a ring
// starting at the beginning of mem needs mem to be 4-byte aligned. [NewRing]
// rejects layouts that break this with [ErrRingLayout].
func NewLocalMemory(mem []byte) *LocalMemory {
	m := &LocalMemory{mem: mem}
	if len(mem) > 0 {
		m.base = uint64(uintptr(unsafe.Pointer(&mem[0])))
	}
	return m
}

// Base returns the address of the first byte of the memory.
func (m *LocalMemory) Base() uint64 {
	return m.base
}

// Len returns the size of the memory.
func (m *LocalMemory) Len() int {
	return len(m.mem)
}

// Contains reports whether [addr, addr+length) is inside the memory.
func (m *LocalMemory) Contains(addr uint64, length int) bool {
	_, err := m.slice(addr, length)
	return err == nil
}

func (m *LocalMemory) slice(addr uint64, length int) ([]byte, error) {
	if length < 0 || addr < m.base {
		return nil, fmt.Errorf("%w: %d bytes at %#x are outside of local memory", ErrMemoryAccess, length, addr)
	}
	off := addr - m.base
	if off > uint64(len(m.mem)) || uint64(length) > uint64(len(m.mem))-off {
		return nil, fmt.Errorf("%w: %d bytes at %#x are outside of local memory", ErrMemoryAccess, length, addr)
	}
	return m.mem[off : off+uint64(length)], nil
}

// word returns the naturally aligned 32-bit word that contains the 16-bit
// field at addr.
func (m *LocalMemory) word(addr uint64) (*uint32, uint, error) {
	if addr&1 != 0 {
		return nil, 0, fmt.Errorf("%w: 16-bit field at %#x is not aligned", ErrMemoryAccess, addr)
	}
	b, err := m.slice(addr&^3, 4)
	if err != nil {
		return nil, 0, err
	}
	return (*uint32)(unsafe.Pointer(&b[0])), uint(addr & 3), nil
}

// Check16 reports whether the 16-bit field at addr can be accessed.
func (m *LocalMemory) Check16(addr uint64) error {
	_, _, err := m.word(addr)
	return err
}

func (m *LocalMemory) Load16(addr uint64) (uint16, error) {
	w, shift, err := m.word(addr)
	if err != nil {
		return 0, err
	}
	return virtqueue.Uint16FromWord(atomic.LoadUint32(w), shift), nil
}

func (m *LocalMemory) Store16(addr uint64, v uint16) error {
	w, shift, err := m.word(addr)
	if err != nil {
		return err
	}
	for {
		old := atomic.LoadUint32(w)
		if atomic.CompareAndSwapUint32(w, old, virtqueue.WordWithUint16(old, shift, v)) {
			return nil
		}
	}
}

func (m *LocalMemory) CopyFrom(dst []byte, addr uint64) error {
	b, err := m.slice(addr, len(dst))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

func (m *LocalMemory) CopyTo(addr uint64, src []byte) error {
	b, err := m.slice(addr, len(src))
	if err != nil {
		return err
	}
	copy(b, src)
	return nil
}
