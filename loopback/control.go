package loopback

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vringh/config"
	"golang.org/x/sync/errgroup"
)

// Control manages a loopback run created by [Main].
type Control struct {
	l          *logrus.Logger
	c          *config.C
	registry   metrics.Registry
	driver     *driver
	runDevice  func(ctx context.Context) error
	statsStart func(ctx context.Context)
	closers    []io.Closer

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Stats are the counters of a loopback run.
type Stats struct {
	Offered  int64 `json:"offered"`
	Verified int64 `json:"verified"`
	Kicks    int64 `json:"kicks"`
	Handled  int64 `json:"handled"`
	Calls    int64 `json:"calls"`
}

// Start runs the driver and the device in the background. To block use
// [Control.Wait] or [Control.ShutdownBlock].
func (c *Control) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	c.c.CatchHUP(ctx)
	if c.statsStart != nil {
		go c.statsStart(ctx)
	}

	// The run ends when the driver verified all chains, when either side
	// fails or when we are stopped.
	runCtx, stopRun := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return c.runDevice(gctx)
	})
	g.Go(func() error {
		defer stopRun()
		return c.driver.run(gctx)
	})

	go func() {
		c.err = g.Wait()
		stopRun()
		close(c.done)
	}()
}

// Wait blocks until the run ends and returns its error.
func (c *Control) Wait() error {
	if c.done == nil {
		return nil
	}
	<-c.done
	return c.err
}

// Stop ends the run, waits for it and releases the queue. It returns the
// error of the run.
func (c *Control) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	err := c.Wait()

	if cerr := closeAll(c.closers); cerr != nil {
		c.l.WithError(cerr).Error("Failed to release the queue")
	}
	c.closers = nil
	c.l.Info("Goodbye")
	return err
}

// ShutdownBlock blocks until the run ends or a term or interrupt signal
// arrives, then calls [Control.Stop] and returns its error.
func (c *Control) ShutdownBlock() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case rawSig := <-sigChan:
		c.l.WithField("signal", rawSig.String()).Info("Caught signal, shutting down")
	case <-c.done:
		c.l.Info("Loopback run ended")
	}
	return c.Stop()
}

// Stats returns the current counters of the run.
func (c *Control) Stats() Stats {
	count := func(name string) int64 {
		if cnt, ok := c.registry.Get(name).(metrics.Counter); ok {
			return cnt.Count()
		}
		return 0
	}
	return Stats{
		Offered:  count("vringh.driver.offered"),
		Verified: count("vringh.driver.verified"),
		Kicks:    count("vringh.driver.kicks"),
		Handled:  count("vringh.loopback.chains"),
		Calls:    count("vringh.loopback.calls"),
	}
}
