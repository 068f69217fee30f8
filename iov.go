package vringh

import "fmt"

// Segment is a buffer described by a descriptor chain. Addr is in the address
// space of the ring's [Memory].
type Segment struct {
	Addr uint64
	Len  int
}

// IOV is a list of segments built from one descriptor chain, together with a
// cursor that tracks how much of it was transferred by [Ring.Pull] or
// [Ring.Push]. An IOV owns no memory, its segments only describe buffers in
// ring memory. It can be reused for the next chain, which resets it.
type IOV struct {
	// Segments in chain order.
	Segments []Segment
	// Limit caps the number of segments. Zero means no limit.
	Limit int

	// i is the index of the next segment to transfer.
	i int
	// consumed is the number of bytes already transferred from Segments[i].
	consumed int
}

// NewIOV returns an IOV with room for capacity segments before it has to
// grow.
func NewIOV(capacity int) *IOV {
	return &IOV{Segments: make([]Segment, 0, capacity)}
}

// Reset empties the list and its cursor but keeps the allocated capacity.
func (v *IOV) Reset() {
	v.Segments = v.Segments[:0]
	v.i = 0
	v.consumed = 0
}

// Len returns the total number of bytes described by the segments.
func (v *IOV) Len() int {
	n := 0
	for _, s := range v.Segments {
		n += s.Len
	}
	return n
}

// Remaining returns the number of bytes that were not transferred yet.
func (v *IOV) Remaining() int {
	n := -v.consumed
	for _, s := range v.Segments[min(v.i, len(v.Segments)):] {
		n += s.Len
	}
	return max(n, 0)
}

func (v *IOV) grow() error {
	newCap := max(cap(v.Segments)*2, 8)
	if v.Limit > 0 && newCap > v.Limit {
		if len(v.Segments) >= v.Limit {
			return fmt.Errorf("%w: limit of %d segments reached", ErrSegmentAlloc, v.Limit)
		}
		newCap = v.Limit
	}
	grown := make([]Segment, len(v.Segments), newCap)
	copy(grown, v.Segments)
	v.Segments = grown
	return nil
}

func (v *IOV) append(s Segment) error {
	if len(v.Segments) == cap(v.Segments) || (v.Limit > 0 && len(v.Segments) >= v.Limit) {
		if err := v.grow(); err != nil {
			return err
		}
	}
	v.Segments = append(v.Segments, s)
	return nil
}

// transfer moves bytes between buf and the segments, starting at the cursor,
// until either runs out. It returns the number of bytes moved.
func (v *IOV) transfer(buf []byte, xfer func(addr uint64, b []byte) error) (int, error) {
	done := 0
	for len(buf) > 0 && v.i < len(v.Segments) {
		s := v.Segments[v.i]
		part := min(s.Len-v.consumed, len(buf))
		if err := xfer(s.Addr+uint64(v.consumed), buf[:part]); err != nil {
			return done, err
		}
		done += part
		buf = buf[part:]
		v.consumed += part
		if v.consumed == s.Len {
			v.i++
			v.consumed = 0
		}
	}
	return done, nil
}
