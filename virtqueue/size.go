package virtqueue

import (
	"errors"
	"fmt"
)

// ErrQueueSizeInvalid is returned when a queue size is invalid.
var ErrQueueSizeInvalid = errors.New("queue size is invalid")

// MaxQueueSize is the largest power of 2 that fits into a 16-bit ring index.
const MaxQueueSize = 32768

// CheckQueueSize checks if the given value would be a valid size for a
// virtqueue and returns an [ErrQueueSizeInvalid], if not.
func CheckQueueSize(queueSize int) error {
	if queueSize <= 0 {
		return fmt.Errorf("%w: %d is too small", ErrQueueSizeInvalid, queueSize)
	}

	// The queue size must always be a power of 2.
	// This ensures that ring indexes wrap correctly when the 16-bit integers
	// overflow.
	if queueSize&(queueSize-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrQueueSizeInvalid, queueSize)
	}

	// 2 * 32768 would be 65536 which no longer fits.
	if queueSize > MaxQueueSize {
		return fmt.Errorf("%w: %d is larger than the maximum possible queue size %d",
			ErrQueueSizeInvalid, queueSize, MaxQueueSize)
	}

	return nil
}

// DescriptorTableSize is the number of bytes needed to store the descriptor
// table of a queue with the given size.
func DescriptorTableSize(queueSize int) int {
	return DescriptorSize * queueSize
}

// AvailableRingSize is the number of bytes needed to store the available ring
// of a queue with the given size, including the trailing used_event field.
func AvailableRingSize(queueSize int) int {
	return 6 + 2*queueSize
}

// UsedRingSize is the number of bytes needed to store the used ring of a queue
// with the given size, including the trailing avail_event field.
func UsedRingSize(queueSize int) int {
	return 6 + UsedElementSize*queueSize
}

// Minimum alignments of the queue parts, as required by the virtio spec.
const (
	DescriptorTableAlignment = 16
	AvailableRingAlignment   = 2
	UsedRingAlignment        = 4
)

// Offsets of the fields shared by the available and used ring.
const (
	RingFlagsOffset = 0
	RingIndexOffset = 2
	ringEntryOffset = 4
)

// AvailableRingEntryOffset returns the offset of ring[slot] within the
// available ring.
func AvailableRingEntryOffset(slot int) int {
	return ringEntryOffset + 2*slot
}

// UsedEventOffset returns the offset of the used_event field within the
// available ring.
func UsedEventOffset(queueSize int) int {
	return ringEntryOffset + 2*queueSize
}

// UsedRingEntryOffset returns the offset of ring[slot] within the used ring.
func UsedRingEntryOffset(slot int) int {
	return ringEntryOffset + UsedElementSize*slot
}

// AvailableEventOffset returns the offset of the avail_event field within the
// used ring.
func AvailableEventOffset(queueSize int) int {
	return ringEntryOffset + UsedElementSize*queueSize
}

// Align rounds index up to the next multiple of alignment.
func Align(index, alignment int) int {
	remainder := index % alignment
	if remainder == 0 {
		return index
	}
	return index + alignment - remainder
}
