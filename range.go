package vringh

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// Range is a span of peer addresses [Start, EndIncl] that may be accessed,
// together with the Offset that translates them into the address space of the
// ring's [Memory].
type Range struct {
	Start   uint64
	EndIncl uint64
	Offset  uint64
}

// Contains reports whether addr is inside the range.
func (r Range) Contains(addr uint64) bool {
	return addr >= r.Start && addr <= r.EndIncl
}

// RangeFunc looks up the range that contains addr. It returns false when addr
// must not be accessed. A returned range that does not contain addr is
// treated the same way.
type RangeFunc func(addr uint64) (Range, bool)

// emptyRange never contains anything, so the first check always looks up.
var emptyRange = Range{Start: math.MaxUint64, EndIncl: 0}

// checkRange validates length bytes at the peer address addr, refreshing the
// cached range rng when addr is outside of it. It returns the number of bytes
// that can be accessed through rng, which is less than length when the buffer
// continues past the end of the range. Without a range check every buffer is
// accepted as is with a zero offset.
func (r *Ring[M]) checkRange(addr, length uint64, rng *Range) (uint64, error) {
	if r.getRange == nil {
		return length, nil
	}

	if !rng.Contains(addr) {
		found, ok := r.getRange(addr)
		if !ok || !found.Contains(addr) {
			r.bad("No range for address", logrus.Fields{"addr": addr, "len": length})
			return 0, fmt.Errorf("%w: no range for %d bytes at %#x", ErrRangeRejected, length, addr)
		}
		*rng = found
	}

	if length == 0 {
		return 0, nil
	}

	end := addr + length
	// To end of memory?
	if end == 0 {
		if rng.EndIncl == math.MaxUint64 {
			return length, nil
		}
		return rng.EndIncl + 1 - addr, nil
	}

	if end < addr {
		r.bad("Wrapping descriptor", logrus.Fields{"addr": addr, "len": length})
		return 0, fmt.Errorf("%w: %d bytes at %#x wrap around", ErrRangeRejected, length, addr)
	}

	if end-1 > rng.EndIncl {
		return rng.EndIncl + 1 - addr, nil
	}
	return length, nil
}
