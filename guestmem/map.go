// Package guestmem maps guest physical addresses to host virtual addresses,
// the way a vhost memory table does.
package guestmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unsafe"

	"github.com/google/btree"
	"github.com/slackhq/vringh"
	"github.com/slackhq/vringh/virtqueue"
)

var (
	// ErrRegionInvalid is returned when a region is empty or wraps around the
	// end of the address space.
	ErrRegionInvalid = errors.New("invalid memory region")
	// ErrRegionOverlap is returned when a region overlaps one that is already
	// mapped.
	ErrRegionOverlap = errors.New("memory regions overlap")
	// ErrNotMapped is returned when an address range is not covered by a
	// single region.
	ErrNotMapped = errors.New("address is not mapped")
)

// Region describes a region of host userspace memory which is made accessible
// to the guest.
//
// Kernel name: vhost_memory_region
type Region struct {
	// GuestPhysicalAddress is the physical address of the memory region within
	// the guest, when virtualization is used. When no virtualization is used,
	// this should be the same as UserspaceAddress.
	GuestPhysicalAddress uint64
	// Size is the size of the memory region.
	Size uint64
	// UserspaceAddress is the virtual address in the userspace of the host
	// where the memory region can be found.
	UserspaceAddress uint64
}

// regionSize is the size of a vhost_memory_region, including the flags and
// padding field.
const regionSize = 32

// last returns the last guest address inside the region.
func (r Region) last() uint64 {
	return r.GuestPhysicalAddress + r.Size - 1
}

// Contains reports whether the guest address addr is inside the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.GuestPhysicalAddress && addr <= r.last()
}

func (r Region) valid() bool {
	return r.Size > 0 && r.last() >= r.GuestPhysicalAddress
}

func lessRegion(a, b Region) bool {
	return a.GuestPhysicalAddress < b.GuestPhysicalAddress
}

// Map is a set of non-overlapping regions ordered by guest address. It is not
// safe for concurrent modification, lookups may run concurrently with each
// other.
type Map struct {
	tree *btree.BTreeG[Region]
}

// NewMap returns a map holding the given regions.
func NewMap(regions ...Region) (*Map, error) {
	m := &Map{tree: btree.NewG(8, lessRegion)}
	for _, r := range regions {
		if err := m.Add(r); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ForQueue returns an identity map over all memory of a driver-side queue,
// which is what a device in the same process as the driver sees.
func ForQueue(q *virtqueue.SplitQueue) *Map {
	mem := q.Memory()
	addr := uint64(uintptr(unsafe.Pointer(&mem[0])))
	m, err := NewMap(Region{
		// There is no virtualization in play here, so the guest address is the
		// same as in the host's userspace.
		GuestPhysicalAddress: addr,
		Size:                 uint64(len(mem)),
		UserspaceAddress:     addr,
	})
	if err != nil {
		panic(fmt.Sprintf("identity map of queue memory: %v", err))
	}
	return m
}

// Add adds a region to the map.
func (m *Map) Add(r Region) error {
	if !r.valid() {
		return fmt.Errorf("%w: %d bytes at %#x", ErrRegionInvalid, r.Size, r.GuestPhysicalAddress)
	}

	var conflict *Region
	check := func(other Region) bool {
		if other.GuestPhysicalAddress <= r.last() && r.GuestPhysicalAddress <= other.last() {
			conflict = &other
		}
		return false
	}
	m.tree.DescendLessOrEqual(r, check)
	if conflict == nil {
		m.tree.AscendGreaterOrEqual(r, check)
	}
	if conflict != nil {
		return fmt.Errorf("%w: [%#x, %#x] and [%#x, %#x]", ErrRegionOverlap,
			r.GuestPhysicalAddress, r.last(), conflict.GuestPhysicalAddress, conflict.last())
	}

	m.tree.ReplaceOrInsert(r)
	return nil
}

// Remove removes the region starting at the given guest address.
func (m *Map) Remove(guestPhysicalAddress uint64) bool {
	_, found := m.tree.Delete(Region{GuestPhysicalAddress: guestPhysicalAddress})
	return found
}

// Len returns the number of regions.
func (m *Map) Len() int {
	return m.tree.Len()
}

// Regions returns all regions ordered by guest address.
func (m *Map) Regions() []Region {
	regions := make([]Region, 0, m.tree.Len())
	m.tree.Ascend(func(r Region) bool {
		regions = append(regions, r)
		return true
	})
	return regions
}

// Find returns the region that contains the guest address addr.
func (m *Map) Find(addr uint64) (Region, bool) {
	var found Region
	var ok bool
	m.tree.DescendLessOrEqual(Region{GuestPhysicalAddress: addr}, func(r Region) bool {
		found, ok = r, r.Contains(addr)
		return false
	})
	return found, ok
}

// Lookup returns the range of the region that contains addr. It can be passed
// to [vringh.WithRangeCheck].
func (m *Map) Lookup(addr uint64) (vringh.Range, bool) {
	r, ok := m.Find(addr)
	if !ok {
		return vringh.Range{}, false
	}
	return vringh.Range{
		Start:   r.GuestPhysicalAddress,
		EndIncl: r.last(),
		Offset:  r.UserspaceAddress - r.GuestPhysicalAddress,
	}, true
}

// Translate returns the host address of the guest address addr. The length
// bytes starting at addr must all be inside the same region.
func (m *Map) Translate(addr, length uint64) (uint64, error) {
	r, ok := m.Find(addr)
	if !ok || length > math.MaxUint64-addr || (length > 0 && !r.Contains(addr+length-1)) {
		return 0, fmt.Errorf("%w: %d bytes at %#x", ErrNotMapped, length, addr)
	}
	return addr - r.GuestPhysicalAddress + r.UserspaceAddress, nil
}

// MarshalBinary encodes the map as a vhost_memory struct, as expected by the
// VHOST_SET_MEM_TABLE ioctl and the vhost-user SET_MEM_TABLE message.
func (m *Map) MarshalBinary() ([]byte, error) {
	regions := m.Regions()

	// The first 32 bits contain the number of memory regions. The following 32
	// bits are padding.
	payload := make([]byte, 8+len(regions)*regionSize)
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(regions)))

	for i, r := range regions {
		b := payload[8+i*regionSize:]
		binary.LittleEndian.PutUint64(b[0:8], r.GuestPhysicalAddress)
		binary.LittleEndian.PutUint64(b[8:16], r.Size)
		binary.LittleEndian.PutUint64(b[16:24], r.UserspaceAddress)
		// The remaining 8 bytes are flags and padding, currently unused.
	}
	return payload, nil
}
