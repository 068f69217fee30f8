// Package virtqueue describes the memory layout of a split virtqueue as
// defined in the virtio specification:
// https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-270006
//
// Besides the wire encodings shared by both sides of a queue, the package
// contains a driver-side [SplitQueue] which allocates a queue in memory and
// offers descriptor chains on it. It is the peer that the host-side engine in
// the parent package consumes from.
package virtqueue
