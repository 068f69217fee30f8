//go:build !(linux && (amd64 || arm64))

package loopback

import (
	"context"
	"errors"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vringh/eventfd"
	"github.com/slackhq/vringh/virtqueue"
)

const userMemorySupported = false

func newUserDevice(*logrus.Logger, *virtqueue.SplitQueue, *eventfd.EventFD, *eventfd.EventFD, settings, metrics.Registry) (func(ctx context.Context) error, error) {
	return nil, errors.New("user memory is not supported on this platform")
}
