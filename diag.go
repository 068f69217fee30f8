package vringh

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Diagnostics receives descriptions of bad input from the peer. A peer can
// produce bad input at any rate, implementations must not block and should
// limit what they pass on.
type Diagnostics interface {
	Bad(msg string, fields logrus.Fields)
}

const (
	// DefaultDiagnosticsInterval and DefaultDiagnosticsBurst allow 10 messages
	// every 5 seconds.
	DefaultDiagnosticsInterval = 5 * time.Second
	DefaultDiagnosticsBurst    = 10
)

// LogDiagnostics is a rate limited [Diagnostics] that logs to a logrus logger
// at warning level. Messages over the limit are counted and the count is
// attached to the next message that gets through.
type LogDiagnostics struct {
	l   *logrus.Logger
	now func() time.Time

	mu         sync.Mutex
	limiter    *rate.Limiter
	suppressed uint64
}

// NewLogDiagnostics returns a [LogDiagnostics] that allows burst messages per
// interval.
func NewLogDiagnostics(l *logrus.Logger, interval time.Duration, burst int) *LogDiagnostics {
	return &LogDiagnostics{
		l:       l,
		now:     time.Now,
		limiter: rate.NewLimiter(rate.Every(interval/time.Duration(max(burst, 1))), burst),
	}
}

func (d *LogDiagnostics) Bad(msg string, fields logrus.Fields) {
	d.mu.Lock()
	if !d.limiter.AllowN(d.now(), 1) {
		d.suppressed++
		d.mu.Unlock()
		return
	}
	suppressed := d.suppressed
	d.suppressed = 0
	d.mu.Unlock()

	e := d.l.WithFields(fields)
	if suppressed > 0 {
		e = e.WithField("suppressed", suppressed)
	}
	e.Warn("vringh: " + msg)
}

// Suppressed returns the number of messages dropped since the last one that
// was logged.
func (d *LogDiagnostics) Suppressed() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suppressed
}

type discardDiagnostics struct{}

func (discardDiagnostics) Bad(string, logrus.Fields) {}
