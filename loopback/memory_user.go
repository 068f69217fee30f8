//go:build linux && (amd64 || arm64)

package loopback

import (
	"context"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vringh"
	"github.com/slackhq/vringh/eventfd"
	"github.com/slackhq/vringh/virtqueue"
)

const userMemorySupported = true

func newUserDevice(l *logrus.Logger, sq *virtqueue.SplitQueue, kick, call *eventfd.EventFD, s settings, r metrics.Registry) (func(ctx context.Context) error, error) {
	return newDeviceQueue(l, vringh.UserMemory{}, sq, kick, call, s, r)
}
