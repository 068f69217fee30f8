package loopback

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vringh/eventfd"
	"github.com/slackhq/vringh/virtqueue"
)

// ErrEchoMismatch is returned when the device completed a chain with other
// bytes than the driver offered.
var ErrEchoMismatch = errors.New("echoed payload does not match")

// driver plays the guest: it offers payloads, kicks the device and checks
// what comes back.
type driver struct {
	l            *logrus.Logger
	sq           *virtqueue.SplitQueue
	kick         *eventfd.EventFD
	call         *eventfd.EventFD
	indirect     bool
	chains       int
	pollInterval time.Duration

	payload  []byte
	expected []byte
	numIn    int
	inflight map[uint16]uint64
	next     uint64
	done     uint64

	offered   metrics.Counter
	verified  metrics.Counter
	kicks     metrics.Counter
	roundTrip metrics.Timer
	sent      map[uint16]time.Time
}

func newDriver(l *logrus.Logger, sq *virtqueue.SplitQueue, kick, call *eventfd.EventFD, s settings, r metrics.Registry) *driver {
	return &driver{
		l:            l,
		sq:           sq,
		kick:         kick,
		call:         call,
		indirect:     s.queue.indirect,
		chains:       s.chains,
		pollInterval: s.pollInterval,

		payload:  make([]byte, s.payloadSize),
		expected: make([]byte, 0, s.payloadSize),
		numIn:    (s.payloadSize + sq.ItemSize() - 1) / sq.ItemSize(),
		inflight: make(map[uint16]uint64, sq.Size()),
		sent:     make(map[uint16]time.Time, sq.Size()),

		offered:   metrics.GetOrRegisterCounter("vringh.driver.offered", r),
		verified:  metrics.GetOrRegisterCounter("vringh.driver.verified", r),
		kicks:     metrics.GetOrRegisterCounter("vringh.driver.kicks", r),
		roundTrip: metrics.GetOrRegisterTimer("vringh.driver.round_trip", r),
	}
}

// fillPayload writes the payload of chain seq into b.
func fillPayload(b []byte, seq uint64) {
	for i := range b {
		b[i] = byte(seq*31 + uint64(i))
	}
	if len(b) >= 8 {
		binary.LittleEndian.PutUint64(b, seq)
	}
}

// run offers chains and verifies completions until the configured number of
// chains was verified or ctx is done.
func (d *driver) run(ctx context.Context) error {
	stop, err := eventfd.New()
	if err != nil {
		return err
	}
	defer stop.Close()

	ep, err := eventfd.NewEpoll()
	if err != nil {
		return err
	}
	defer ep.Close()

	if err := ep.Add(d.call.FD()); err != nil {
		return err
	}
	if err := ep.Add(stop.FD()); err != nil {
		return err
	}

	unregister := context.AfterFunc(ctx, func() {
		_ = stop.Kick()
	})
	defer unregister()

	for ctx.Err() == nil {
		if d.chains > 0 && d.done >= uint64(d.chains) {
			d.l.WithField("chains", d.done).Info("All chains verified")
			return nil
		}

		if err := d.offer(); err != nil {
			return err
		}

		used := d.sq.TakeUsed(0)
		if len(used) == 0 {
			if _, err := ep.Wait(d.pollInterval); err != nil {
				return err
			}
			if _, err := d.call.Drain(); err != nil {
				return err
			}
			continue
		}

		for _, u := range used {
			if err := d.complete(u); err != nil {
				return err
			}
		}
	}
	return nil
}

// offer fills the queue and kicks the device if it wants to know.
func (d *driver) offer() error {
	offered := 0
	for d.chains == 0 || d.next < uint64(d.chains) {
		fillPayload(d.payload, d.next)

		var head uint16
		var err error
		if d.indirect {
			head, err = d.sq.OfferIndirectDescriptorChain([][]byte{d.payload}, d.numIn)
		} else {
			head, err = d.sq.OfferDescriptorChain([][]byte{d.payload}, d.numIn)
		}
		if errors.Is(err, virtqueue.ErrNotEnoughFreeDescriptors) {
			break
		}
		if err != nil {
			return err
		}

		d.inflight[head] = d.next
		d.sent[head] = time.Now()
		d.next++
		offered++
	}

	if offered == 0 {
		return nil
	}
	d.offered.Inc(int64(offered))
	if d.sq.NeedKick() {
		d.kicks.Inc(1)
		return d.kick.Kick()
	}
	return nil
}

func (d *driver) complete(u virtqueue.UsedElement) error {
	head := u.GetHead()
	seq, ok := d.inflight[head]
	if !ok {
		return fmt.Errorf("device completed unknown chain %d", head)
	}
	delete(d.inflight, head)
	d.roundTrip.UpdateSince(d.sent[head])
	delete(d.sent, head)

	_, in, err := d.sq.GetDescriptorChain(head)
	if err != nil {
		return err
	}

	d.expected = d.expected[:len(d.payload)]
	fillPayload(d.expected, seq)
	if int(u.Length) != len(d.expected) {
		return fmt.Errorf("%w: chain %d (seq %d) has length %d, want %d", ErrEchoMismatch, head, seq, u.Length, len(d.expected))
	}

	want := d.expected
	for _, b := range in {
		n := min(len(b), len(want))
		if !bytes.Equal(b[:n], want[:n]) {
			return fmt.Errorf("%w: chain %d (seq %d)", ErrEchoMismatch, head, seq)
		}
		want = want[n:]
	}

	if err := d.sq.FreeDescriptorChain(head); err != nil {
		return err
	}
	d.done++
	d.verified.Inc(1)
	return nil
}
