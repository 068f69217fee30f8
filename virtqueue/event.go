package virtqueue

// NeedEvent reports whether the event index was crossed when the ring index
// moved from oldIndex to newIndex. All arithmetic wraps at 16 bits, so this
// holds across index overflow as long as fewer than 65536 entries were added in
// between.
func NeedEvent(event, newIndex, oldIndex uint16) bool {
	return newIndex-event-1 < newIndex-oldIndex
}
