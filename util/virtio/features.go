package virtio

import "strings"

// Feature contains feature bits that describe a virtio device or driver.
type Feature uint64

// Device-independent feature bits.
//
// Source: https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-6600006
const (
	// FeatureIndirectDescriptors indicates that the driver can use descriptors
	// with an additional layer of indirection.
	FeatureIndirectDescriptors Feature = 1 << 28

	// FeatureRingEventIndex enables the used_event and the avail_event fields
	// which replace the ring flags for notification suppression.
	FeatureRingEventIndex Feature = 1 << 29

	// FeatureVersion1 indicates compliance with version 1.0 of the virtio
	// specification.
	FeatureVersion1 Feature = 1 << 32
)

// Has reports whether all bits of other are set in f.
func (f Feature) Has(other Feature) bool {
	return f&other == other
}

var featureNames = []struct {
	feature Feature
	name    string
}{
	{FeatureIndirectDescriptors, "indirect_desc"},
	{FeatureRingEventIndex, "event_idx"},
	{FeatureVersion1, "version_1"},
}

// String returns the names of the known bits set in f.
func (f Feature) String() string {
	var names []string
	for _, n := range featureNames {
		if f.Has(n.feature) {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}
