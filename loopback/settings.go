package loopback

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/slackhq/vringh/config"
	"github.com/slackhq/vringh/util/virtio"
	"github.com/slackhq/vringh/virtqueue"
)

const (
	memoryLocal = "local"
	memoryUser  = "user"
)

// queueSettings are the queue.* keys.
type queueSettings struct {
	size         int
	itemSize     int
	eventIndex   bool
	indirect     bool
	memory       string
	weakBarriers bool
	strictRanges bool
	rangeCheck   bool
	segmentLimit int
	batch        int
}

func (q queueSettings) features() virtio.Feature {
	var f virtio.Feature
	if q.eventIndex {
		f |= virtio.FeatureRingEventIndex
	}
	if q.indirect {
		f |= virtio.FeatureIndirectDescriptors
	}
	return f
}

type settings struct {
	queue        queueSettings
	chains       int
	payloadSize  int
	pollInterval time.Duration
}

func settingsFromConfig(c *config.C) (settings, error) {
	var s settings
	var err error

	s.queue.size = c.GetInt("queue.size", 256)
	if err := virtqueue.CheckQueueSize(s.queue.size); err != nil {
		return s, fmt.Errorf("queue.size: %w", err)
	}

	itemSize, err := c.GetByteSize("queue.item_size", int64(os.Getpagesize()))
	if err != nil {
		return s, err
	}
	if itemSize <= 0 || itemSize%int64(os.Getpagesize()) != 0 {
		return s, fmt.Errorf("queue.item_size must be a multiple of the page size %d, got %d", os.Getpagesize(), itemSize)
	}
	s.queue.itemSize = int(itemSize)

	s.queue.eventIndex = c.GetBool("queue.event_idx", true)
	s.queue.indirect = c.GetBool("queue.indirect", false)
	s.queue.memory, err = c.GetOneOf("queue.memory", memoryLocal, memoryLocal, memoryUser)
	if err != nil {
		return s, err
	}
	if s.queue.memory == memoryUser && !userMemorySupported {
		return s, errors.New("queue.memory user is not supported on this platform")
	}
	s.queue.weakBarriers = c.GetBool("queue.weak_barriers", true)
	s.queue.strictRanges = c.GetBool("queue.strict_ranges", false)
	s.queue.rangeCheck = c.GetBool("queue.range_check", true)

	s.queue.segmentLimit = c.GetInt("queue.segment_limit", 0)
	if s.queue.segmentLimit < 0 {
		return s, fmt.Errorf("queue.segment_limit must not be negative, got %d", s.queue.segmentLimit)
	}
	s.queue.batch = c.GetInt("queue.batch", 16)
	if s.queue.batch < 1 {
		return s, fmt.Errorf("queue.batch must be at least 1, got %d", s.queue.batch)
	}

	s.chains = c.GetInt("loopback.chains", 0)
	if s.chains < 0 {
		return s, fmt.Errorf("loopback.chains must not be negative, got %d", s.chains)
	}

	payloadSize, err := c.GetByteSize("loopback.payload_size", 64)
	if err != nil {
		return s, err
	}
	if payloadSize < 1 {
		return s, fmt.Errorf("loopback.payload_size must be at least 1, got %d", payloadSize)
	}
	s.payloadSize = int(payloadSize)

	// A chain must fit the queue. An indirect chain also takes the head
	// descriptor and must fit into the table in its item.
	descs := 2 * ((s.payloadSize + s.queue.itemSize - 1) / s.queue.itemSize)
	slots := descs
	if s.queue.indirect {
		if maxDescs := s.queue.itemSize / virtqueue.DescriptorSize; descs > maxDescs {
			return s, fmt.Errorf("loopback.payload_size %d needs %d descriptors, only %d fit into an indirect table", s.payloadSize, descs, maxDescs)
		}
		slots++
	}
	if slots > s.queue.size {
		return s, fmt.Errorf("loopback.payload_size %d needs %d descriptors, only %d fit into the queue", s.payloadSize, slots, s.queue.size)
	}

	s.pollInterval = c.GetDuration("loopback.poll_interval", time.Second)
	return s, nil
}
