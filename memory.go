package vringh

// Memory gives access to the memory a ring and its buffers live in. All
// addresses are in the address space of the accessor: ring addresses as passed
// to [NewRing] and buffer addresses after translation by the range check.
//
// 16-bit fields are ring indexes and flags which the peer reads and writes
// concurrently, Load16 and Store16 must access them atomically. Errors
// returned by any method wrap [ErrMemoryAccess].
type Memory interface {
	// Load16 reads the little-endian 16-bit field at addr.
	Load16(addr uint64) (uint16, error)
	// Store16 writes the little-endian 16-bit field at addr.
	Store16(addr uint64, v uint16) error
	// CopyFrom fills dst with the bytes starting at addr.
	CopyFrom(dst []byte, addr uint64) error
	// CopyTo copies src to the bytes starting at addr.
	CopyTo(addr uint64, src []byte) error
}

// fieldChecker is implemented by accessors that know up front whether a 16-bit
// field can be accessed, so [NewRing] can reject a ring layout at setup.
type fieldChecker interface {
	Check16(addr uint64) error
}
