package device

import (
	"errors"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

type optionValues struct {
	name         string
	batch        int
	segmentLimit int
	pollInterval time.Duration
	logger       *logrus.Logger
	registry     metrics.Registry
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.batch < 1 {
		return errors.New("batch must be at least 1")
	}
	if o.segmentLimit < 0 {
		return errors.New("segment limit must not be negative")
	}
	if o.logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

var optionDefaults = optionValues{
	name:         "queue",
	batch:        16,
	pollInterval: -1,
}

// Option can be passed to [NewQueue] to influence queue creation.
type Option func(*optionValues)

// WithName returns an [Option] that sets the name used in metric names and
// log fields.
func WithName(name string) Option {
	return func(o *optionValues) { o.name = name }
}

// WithBatch returns an [Option] that sets how many completions are collected
// before they are published to the used ring.
func WithBatch(batch int) Option {
	return func(o *optionValues) { o.batch = batch }
}

// WithSegmentLimit returns an [Option] that caps the number of segments of
// each direction a chain may have. Zero means no limit.
func WithSegmentLimit(limit int) Option {
	return func(o *optionValues) { o.segmentLimit = limit }
}

// WithPollInterval returns an [Option] that makes [Queue.Run] look at the ring
// at least this often even without a kick. A negative value only wakes on
// kicks.
func WithPollInterval(interval time.Duration) Option {
	return func(o *optionValues) { o.pollInterval = interval }
}

// WithLogger returns an [Option] that sets the logger for chain and ring
// errors. This is required.
func WithLogger(l *logrus.Logger) Option {
	return func(o *optionValues) { o.logger = l }
}

// WithMetricsRegistry returns an [Option] that sets the registry the queue
// counters are registered in. Defaults to [metrics.DefaultRegistry].
func WithMetricsRegistry(r metrics.Registry) Option {
	return func(o *optionValues) { o.registry = r }
}
