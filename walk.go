package vringh

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vringh/virtqueue"
)

// Positions to continue at after an indirect table ends.
const (
	// notIndirect means the walk is in the main descriptor table.
	notIndirect = -1
	// noOuterNext means the indirect descriptor ended the chain.
	noOuterNext = -2
)

// walk follows the chain starting at head and appends its buffers to riov
// and wiov.
func (r *Ring[M]) walk(head uint16, riov, wiov *IOV) error {
	if riov != nil {
		riov.Reset()
	}
	if wiov != nil {
		wiov.Reset()
	}

	var (
		// table is the accessor address of the current descriptor table and
		// tableMax its number of entries.
		table    = r.desc
		tableMax = uint32(r.num)
		// upNext is where the chain continues in the main table once an
		// indirect table ends, or one of notIndirect and noOuterNext.
		upNext = notIndirect

		// slow is set when an indirect table crosses a range boundary, so its
		// entries have to be read piecewise. slowTable is its peer address
		// and slowRange the range cache used for it.
		slow      bool
		slowTable uint64
		slowRange Range

		rng   = emptyRange
		count = 0
		i     = head
		buf   [virtqueue.DescriptorSize]byte
	)

	for {
		var err error
		if slow {
			err = r.slowCopy(buf[:], slowTable+uint64(i)*virtqueue.DescriptorSize, &slowRange)
		} else {
			err = r.mem.CopyFrom(buf[:], table+uint64(i)*virtqueue.DescriptorSize)
		}
		if err != nil {
			return fmt.Errorf("read descriptor %d: %w", i, err)
		}
		desc := virtqueue.DecodeDescriptor(buf[:])

		if desc.Indirect() {
			// Indirect tables can't have indirect.
			if upNext != notIndirect {
				r.bad("Multilevel indirect", logrus.Fields{"index": i})
				return fmt.Errorf("%w: at index %d", ErrNestedIndirect, i)
			}
			if desc.Length == 0 || desc.Length%virtqueue.DescriptorSize != 0 {
				r.bad("Strange indirect len", logrus.Fields{"len": desc.Length})
				return fmt.Errorf("%w: %d", ErrIndirectLength, desc.Length)
			}

			length, err := r.checkRange(desc.Address, uint64(desc.Length), &rng)
			if err != nil {
				return err
			}
			if length != uint64(desc.Length) {
				if r.strictRanges {
					return fmt.Errorf("%w: indirect table of %d bytes at %#x", ErrRangeTruncated, desc.Length, desc.Address)
				}
				slow = true
				slowTable = desc.Address
				slowRange = rng
			}

			// Where to go once the table ends is checked when we follow it.
			if desc.HasNext() {
				upNext = int(desc.Next)
			} else {
				upNext = noOuterNext
			}
			table = desc.Address + rng.Offset
			tableMax = desc.Length / virtqueue.DescriptorSize

			// Now, start at the first indirect.
			i = 0
			continue
		}

		count++
		if count > r.num {
			r.bad("Descriptor loop", logrus.Fields{"head": head})
			return fmt.Errorf("%w: chain at %d has more than %d descriptors", ErrDescriptorLoop, head, r.num)
		}

		var iov *IOV
		if desc.Writable() {
			iov = wiov
		} else {
			iov = riov
			if wiov != nil && len(wiov.Segments) > 0 {
				r.bad("Readable desc after writable", logrus.Fields{"index": i})
				return fmt.Errorf("%w: at index %d", ErrReadAfterWrite, i)
			}
		}

		if iov == nil {
			direction := "readable"
			if desc.Writable() {
				direction = "writable"
			}
			r.bad("Unexpected desc", logrus.Fields{"direction": direction, "index": i})
			return fmt.Errorf("%w: %s descriptor at index %d", ErrUnexpectedDirection, direction, i)
		}

		if err := r.appendSegments(iov, desc.Address, uint64(desc.Length), &rng); err != nil {
			return err
		}

		if desc.HasNext() {
			i = desc.Next
		} else if upNext >= 0 {
			// Finish traversing the chain the indirect table was part of.
			i = uint16(upNext)
			upNext = notIndirect
			table = r.desc
			tableMax = uint32(r.num)
			slow = false
		} else {
			return nil
		}

		if uint32(i) >= tableMax {
			r.bad("Chained index out of range", logrus.Fields{"index": i, "max": tableMax})
			return fmt.Errorf("%w: %d >= %d", ErrNextOutOfRange, i, tableMax)
		}
	}
}

// appendSegments validates the buffer of one descriptor and appends it to
// iov. A buffer that spans several ranges becomes one segment per range.
func (r *Ring[M]) appendSegments(iov *IOV, addr, length uint64, rng *Range) error {
	for {
		part, err := r.checkRange(addr, length, rng)
		if err != nil {
			return err
		}
		if part != length && r.strictRanges {
			return fmt.Errorf("%w: %d bytes at %#x", ErrRangeTruncated, length, addr)
		}

		if err := iov.append(Segment{Addr: addr + rng.Offset, Len: int(part)}); err != nil {
			return err
		}

		if part == length {
			return nil
		}
		addr += part
		length -= part
	}
}

// slowCopy reads a descriptor from an indirect table that crosses range
// boundaries, translating each piece on its own.
func (r *Ring[M]) slowCopy(dst []byte, addr uint64, rng *Range) error {
	for len(dst) > 0 {
		part, err := r.checkRange(addr, uint64(len(dst)), rng)
		if err != nil {
			return err
		}
		if err := r.mem.CopyFrom(dst[:part], addr+rng.Offset); err != nil {
			return err
		}
		dst = dst[part:]
		addr += part
	}
	return nil
}
