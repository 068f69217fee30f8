//go:build linux && (amd64 || arm64)

package vringh

import (
	"fmt"
	"unsafe"

	"github.com/slackhq/vringh/virtqueue"
	"gvisor.dev/gvisor/pkg/safecopy"
)

// UserMemory is a [Memory] for rings in memory this process does not control,
// for example a region mapped from another process that may be unmapped or
// truncated at any time. Addresses are process virtual addresses. Accesses
// that fault with SIGSEGV or SIGBUS are reported as errors wrapping both
// [ErrMemoryAccess] and the underlying [safecopy.SegvError] or
// [safecopy.BusError].
//
// UserMemory performs no bounds checks of its own. Rings using it should
// validate buffer addresses with [WithRangeCheck].
type UserMemory struct{}

func userPointer(addr uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(addr))
}

func (UserMemory) Load16(addr uint64) (uint16, error) {
	if addr&1 != 0 {
		return 0, fmt.Errorf("%w: 16-bit field at %#x is not aligned", ErrMemoryAccess, addr)
	}
	w, err := safecopy.LoadUint32(userPointer(addr &^ 3))
	if err != nil {
		return 0, fmt.Errorf("%w: load %#x: %w", ErrMemoryAccess, addr, err)
	}
	return virtqueue.Uint16FromWord(w, uint(addr&3)), nil
}

func (UserMemory) Store16(addr uint64, v uint16) error {
	if addr&1 != 0 {
		return fmt.Errorf("%w: 16-bit field at %#x is not aligned", ErrMemoryAccess, addr)
	}
	ptr := userPointer(addr &^ 3)
	shift := uint(addr & 3)
	old, err := safecopy.LoadUint32(ptr)
	for err == nil {
		var prev uint32
		prev, err = safecopy.CompareAndSwapUint32(ptr, old, virtqueue.WordWithUint16(old, shift, v))
		if err == nil && prev == old {
			return nil
		}
		old = prev
	}
	return fmt.Errorf("%w: store %#x: %w", ErrMemoryAccess, addr, err)
}

func (UserMemory) CopyFrom(dst []byte, addr uint64) error {
	if n, err := safecopy.CopyIn(dst, userPointer(addr)); err != nil {
		return fmt.Errorf("%w: read %d bytes at %#x, got %d: %w", ErrMemoryAccess, len(dst), addr, n, err)
	}
	return nil
}

func (UserMemory) CopyTo(addr uint64, src []byte) error {
	if n, err := safecopy.CopyOut(userPointer(addr), src); err != nil {
		return fmt.Errorf("%w: write %d bytes at %#x, got %d: %w", ErrMemoryAccess, len(src), addr, n, err)
	}
	return nil
}
