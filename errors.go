package vringh

import "errors"

var (
	// ErrRingSize is returned when a ring is created with a size that is not a
	// power of 2 between 1 and 32768.
	ErrRingSize = errors.New("bad ring size")

	// ErrRingLayout is returned when a 16-bit field of a ring cannot be
	// accessed through the memory the ring was created over.
	ErrRingLayout = errors.New("bad ring layout")

	// ErrHeadOutOfRange is returned when the available ring offers a head
	// index that is not inside the descriptor table. The ring is unusable.
	ErrHeadOutOfRange = errors.New("available head index out of range")

	// ErrMemoryAccess is returned when ring memory or a buffer could not be
	// read or written.
	ErrMemoryAccess = errors.New("memory access failed")

	// ErrRangeRejected is returned when a buffer address cannot be validated
	// or translated.
	ErrRangeRejected = errors.New("address range rejected")

	// ErrRangeTruncated is returned in strict mode when a buffer crosses the
	// end of the range its address belongs to.
	ErrRangeTruncated = errors.New("buffer crosses a range boundary")

	// ErrNestedIndirect is returned when an indirect table contains another
	// indirect descriptor.
	ErrNestedIndirect = errors.New("nested indirect descriptor")

	// ErrIndirectLength is returned when the length of an indirect table is
	// zero or not a multiple of the descriptor size.
	ErrIndirectLength = errors.New("bad indirect table length")

	// ErrDescriptorLoop is returned when a chain has more descriptors than the
	// ring has entries.
	ErrDescriptorLoop = errors.New("descriptor loop")

	// ErrReadAfterWrite is returned when a readable descriptor follows a
	// writable one in the same chain.
	ErrReadAfterWrite = errors.New("readable descriptor after writable")

	// ErrUnexpectedDirection is returned when a chain contains a descriptor
	// for a direction the caller passed no segment list for.
	ErrUnexpectedDirection = errors.New("unexpected descriptor direction")

	// ErrNextOutOfRange is returned when a next index points outside of the
	// current descriptor table.
	ErrNextOutOfRange = errors.New("next descriptor index out of range")

	// ErrSegmentAlloc is returned when a segment list would have to grow
	// beyond its limit.
	ErrSegmentAlloc = errors.New("segment list is full")

	// ErrNoIOV is returned when neither a readable nor a writable segment list
	// was passed.
	ErrNoIOV = errors.New("no segment list given")

	// ErrTooManyCompletions is returned when more completions are published
	// at once than the ring has entries.
	ErrTooManyCompletions = errors.New("more completions than ring entries")
)
