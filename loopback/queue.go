package loopback

import (
	"context"
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vringh"
	"github.com/slackhq/vringh/device"
	"github.com/slackhq/vringh/eventfd"
	"github.com/slackhq/vringh/guestmem"
	"github.com/slackhq/vringh/virtqueue"
)

// ringAddresses are the ring parts of a driver queue as the device sees them.
type ringAddresses struct {
	desc, avail, used uint64
}

// translateRing maps the ring parts of sq through m, failing when any of them
// is not fully mapped.
func translateRing(m *guestmem.Map, sq *virtqueue.SplitQueue) (ringAddresses, error) {
	var a ringAddresses
	var err error
	size := sq.Size()

	if a.desc, err = m.Translate(sq.DescriptorTableAddress(), uint64(virtqueue.DescriptorTableSize(size))); err != nil {
		return a, fmt.Errorf("descriptor table: %w", err)
	}
	if a.avail, err = m.Translate(sq.AvailableRingAddress(), uint64(virtqueue.AvailableRingSize(size))); err != nil {
		return a, fmt.Errorf("available ring: %w", err)
	}
	if a.used, err = m.Translate(sq.UsedRingAddress(), uint64(virtqueue.UsedRingSize(size))); err != nil {
		return a, fmt.Errorf("used ring: %w", err)
	}
	return a, nil
}

// newDeviceQueue builds a ring over mem consuming sq and the queue worker
// that echoes its chains.
func newDeviceQueue[M vringh.Memory](l *logrus.Logger, mem M, sq *virtqueue.SplitQueue, kick, call *eventfd.EventFD, s settings, r metrics.Registry) (func(ctx context.Context) error, error) {
	gm := guestmem.ForQueue(sq)
	addrs, err := translateRing(gm, sq)
	if err != nil {
		return nil, err
	}

	if l.IsLevelEnabled(logrus.DebugLevel) {
		table, err := gm.MarshalBinary()
		if err != nil {
			return nil, err
		}
		l.WithField("regions", gm.Regions()).WithField("tableSize", len(table)).Debug("Guest memory table")
	}

	options := []vringh.Option{
		vringh.WithWeakBarriers(s.queue.weakBarriers),
		vringh.WithStrictRanges(s.queue.strictRanges),
		vringh.WithDiagnostics(vringh.NewLogDiagnostics(l, vringh.DefaultDiagnosticsInterval, vringh.DefaultDiagnosticsBurst)),
	}
	if s.queue.rangeCheck {
		options = append(options, vringh.WithRangeCheck(gm.Lookup))
	} else {
		l.WithField("memory", s.queue.memory).Warn("Range check is disabled, descriptor addresses are trusted")
	}

	ring, err := vringh.NewRing(mem, s.queue.features(), sq.Size(), addrs.desc, addrs.avail, addrs.used, options...)
	if err != nil {
		return nil, err
	}

	q, err := device.NewQueue(ring, device.NewEcho(sq.ItemSize()), kick, call,
		device.WithName("loopback"),
		device.WithBatch(s.queue.batch),
		device.WithSegmentLimit(s.queue.segmentLimit),
		device.WithPollInterval(s.pollInterval),
		device.WithLogger(l),
		device.WithMetricsRegistry(r),
	)
	if err != nil {
		return nil, err
	}
	return q.Run, nil
}

// newDevice picks the memory accessor configured by queue.memory.
func newDevice(l *logrus.Logger, sq *virtqueue.SplitQueue, kick, call *eventfd.EventFD, s settings, r metrics.Registry) (func(ctx context.Context) error, error) {
	if s.queue.memory == memoryUser {
		return newUserDevice(l, sq, kick, call, s, r)
	}
	return newDeviceQueue(l, vringh.NewLocalMemory(sq.Memory()), sq, kick, call, s, r)
}
