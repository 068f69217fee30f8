// Package device runs the device side of a virtqueue: it waits for the driver
// to kick, hands each available chain to a [Handler] and publishes the
// completions.
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vringh"
	"github.com/slackhq/vringh/eventfd"
	"github.com/slackhq/vringh/util"
	"github.com/slackhq/vringh/virtqueue"
)

// Queue consumes one ring. The driver signals new chains on the kick eventfd
// and the queue signals completions on the call eventfd. Both are owned by the
// caller.
type Queue[M vringh.Memory] struct {
	ring    *vringh.Ring[M]
	handler Handler
	kick    *eventfd.EventFD
	call    *eventfd.EventFD
	opts    optionValues
	l       *logrus.Logger

	chain   Chain
	pending []virtqueue.UsedElement

	chains        metrics.Counter
	badChains     metrics.Counter
	handlerErrors metrics.Counter
	bytesWritten  metrics.Counter
	calls         metrics.Counter
	wakeups       metrics.Counter
}

// NewQueue returns a queue handling the chains of ring with handler.
//
// There are multiple options that can be passed to this constructor:
//   - [WithLogger] (required)
//   - [WithName]
//   - [WithBatch]
//   - [WithSegmentLimit]
//   - [WithPollInterval]
//   - [WithMetricsRegistry]
func NewQueue[M vringh.Memory](ring *vringh.Ring[M], handler Handler, kick, call *eventfd.EventFD, options ...Option) (*Queue[M], error) {
	opts := optionDefaults
	opts.apply(options)
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	riov := vringh.NewIOV(8)
	riov.Limit = opts.segmentLimit
	wiov := vringh.NewIOV(8)
	wiov.Limit = opts.segmentLimit

	counter := func(name string) metrics.Counter {
		return metrics.GetOrRegisterCounter("vringh."+opts.name+"."+name, opts.registry)
	}

	return &Queue[M]{
		ring:    ring,
		handler: handler,
		kick:    kick,
		call:    call,
		opts:    opts,
		l:       opts.logger,
		chain: Chain{
			riov: riov,
			wiov: wiov,
			pull: ring.Pull,
			push: ring.Push,
		},
		pending: make([]virtqueue.UsedElement, 0, min(opts.batch, int(ring.Num()))),

		chains:        counter("chains"),
		badChains:     counter("bad_chains"),
		handlerErrors: counter("handler_errors"),
		bytesWritten:  counter("bytes_written"),
		calls:         counter("calls"),
		wakeups:       counter("wakeups"),
	}, nil
}

// Ring returns the ring of the queue.
func (q *Queue[M]) Ring() *vringh.Ring[M] {
	return q.ring
}

// Run processes chains until ctx is done or the ring breaks. Notifications
// are disabled while chains are processed and enabled again before sleeping,
// so the driver only kicks when the queue is idle. Run returns nil when ctx
// is done.
func (q *Queue[M]) Run(ctx context.Context) error {
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

	if err := ep.Add(q.kick.FD()); err != nil {
		return err
	}
	if err := ep.Add(stop.FD()); err != nil {
		return err
	}

	unregister := context.AfterFunc(ctx, func() {
		_ = stop.Kick()
	})
	defer unregister()

	q.l.WithField("queue", q.opts.name).Debug("Queue started")
	for {
		if ctx.Err() != nil {
			q.l.WithField("queue", q.opts.name).Debug("Queue stopped")
			return nil
		}

		if err := q.ring.DisableNotify(); err != nil {
			return q.ringError("Failed to disable notifications", err)
		}
		if _, err := q.Process(); err != nil {
			return err
		}

		empty, err := q.ring.EnableNotify()
		if err != nil {
			return q.ringError("Failed to enable notifications", err)
		}
		if !empty {
			// The driver added chains after we looked, it will not kick for
			// them.
			continue
		}

		if _, err := ep.Wait(q.opts.pollInterval); err != nil {
			return err
		}
		q.wakeups.Inc(1)
		if _, err := q.kick.Drain(); err != nil {
			return err
		}
	}
}

// Process handles every available chain and publishes the completions in
// batches, signalling the driver when it asked for it. It returns the number
// of chains handled. Bad chains are logged and completed with a length of
// zero; only errors of the ring itself are returned.
func (q *Queue[M]) Process() (int, error) {
	handled := 0
	for {
		head, ok, err := q.ring.GetDesc(q.chain.riov, q.chain.wiov)
		if !ok {
			if err != nil {
				// Publish what we have, the driver may still make use of it.
				return handled, errors.Join(q.ringError("Failed to fetch chain", err), q.flush())
			}
			break
		}

		q.chains.Inc(1)
		handled++

		var written uint32
		if err != nil {
			q.badChains.Inc(1)
			util.NewContextualError(
				"Bad descriptor chain",
				map[string]any{"queue": q.opts.name, "head": head},
				err,
			).Log(q.l)
		} else {
			q.chain.Head = head
			written, err = q.handler.Handle(&q.chain)
			if err != nil {
				q.handlerErrors.Inc(1)
				util.NewContextualError(
					"Handler failed",
					map[string]any{"queue": q.opts.name, "head": head, "written": written},
					err,
				).Log(q.l)
				written = 0
			}
			q.bytesWritten.Inc(int64(written))
		}

		q.pending = append(q.pending, virtqueue.UsedElement{DescriptorIndex: uint32(head), Length: written})
		if len(q.pending) == cap(q.pending) {
			if err := q.flush(); err != nil {
				return handled, err
			}
		}
	}

	return handled, q.flush()
}

// flush publishes the pending completions and calls the driver if needed.
func (q *Queue[M]) flush() error {
	if len(q.pending) == 0 {
		return nil
	}

	err := q.ring.CompleteMulti(q.pending)
	q.pending = q.pending[:0]
	if err != nil {
		return q.ringError("Failed to publish completions", err)
	}

	notify, err := q.ring.NeedNotify()
	if err != nil {
		return q.ringError("Failed to check for notification", err)
	}
	if notify {
		q.calls.Inc(1)
		return q.call.Kick()
	}
	return nil
}

func (q *Queue[M]) ringError(msg string, err error) error {
	return util.NewContextualError(msg, map[string]any{
		"queue":        q.opts.name,
		"lastAvailIdx": q.ring.LastAvailIndex(),
		"lastUsedIdx":  q.ring.LastUsedIndex(),
	}, err)
}
