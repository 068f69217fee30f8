// Package loopback runs a driver-side queue and a device-side ring over the
// same memory in one process: the driver offers payloads, the device echoes
// them back and the driver checks every byte.
package loopback

import (
	"errors"
	"io"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vringh/config"
	"github.com/slackhq/vringh/eventfd"
	"github.com/slackhq/vringh/util"
	"github.com/slackhq/vringh/virtqueue"
	"go.yaml.in/yaml/v3"
)

func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (retcon *Control, reterr error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
		if c.HasChanged("queue") || c.HasChanged("loopback") {
			l.Warn("Changes to queue and loopback settings require a restart")
		}
	})

	s, err := settingsFromConfig(c)
	if err != nil {
		return nil, util.NewContextualError("Failed to load queue settings", nil, err)
	}

	registry := metrics.NewRegistry()
	statsStart, err := startStats(l, c, registry, buildVersion)
	if err != nil {
		return nil, util.NewContextualError("Failed to start stats emitter", nil, err)
	}

	if configTest {
		return &Control{l: l, c: c, registry: registry}, nil
	}

	var closers []io.Closer
	defer func() {
		if reterr != nil {
			reterr = errors.Join(reterr, closeAll(closers))
		}
	}()

	sq, err := virtqueue.NewSplitQueue(s.queue.size, s.queue.itemSize)
	if err != nil {
		return nil, util.NewContextualError("Failed to create queue", m{"size": s.queue.size, "itemSize": s.queue.itemSize}, err)
	}
	closers = append(closers, sq)
	sq.SetEventIndex(s.queue.eventIndex)

	kick, err := eventfd.New()
	if err != nil {
		return nil, err
	}
	closers = append(closers, kick)

	call, err := eventfd.New()
	if err != nil {
		return nil, err
	}
	closers = append(closers, call)

	runDevice, err := newDevice(l, sq, kick, call, s, registry)
	if err != nil {
		return nil, util.NewContextualError("Failed to create device", m{"memory": s.queue.memory}, err)
	}

	l.WithFields(m{
		"size":       s.queue.size,
		"itemSize":   s.queue.itemSize,
		"memory":     s.queue.memory,
		"features":   s.queue.features(),
		"rangeCheck": s.queue.rangeCheck,
		"chains":     s.chains,
	}).Info("Loopback queue created")

	return &Control{
		l:          l,
		c:          c,
		registry:   registry,
		driver:     newDriver(l, sq, kick, call, s, registry),
		runDevice:  runDevice,
		statsStart: statsStart,
		closers:    closers,
	}, nil
}

type m = logrus.Fields

// closeAll closes in reverse order.
func closeAll(closers []io.Closer) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
