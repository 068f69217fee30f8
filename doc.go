// Package vringh implements the host side of a virtio split virtqueue.
//
// A [Ring] consumes descriptor chains that a peer publishes in shared memory,
// turns them into readable and writable segment lists, and publishes
// completions back through the used ring. Nothing the peer writes is trusted:
// head indexes, chain lengths, next pointers and buffer addresses are all
// checked before use.
//
// Ring memory is reached through a [Memory] accessor that is fixed when the
// ring is created. [LocalMemory] serves rings that live in memory owned by
// this process, [UserMemory] serves rings in memory that may disappear or be
// unmapped underneath us and reports faults as errors instead of crashing.
// Descriptor addresses can additionally be validated and translated with a
// [RangeFunc], see [WithRangeCheck].
//
// A Ring is not safe for concurrent use. The peer runs concurrently, all
// operations of this side must be serialized by the caller.
package vringh
