package loopback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vringh/config"
)

// startStats validates the stats.* keys and returns a function that exports
// the metrics of r until ctx is done, or nil when stats are disabled.
func startStats(l *logrus.Logger, c *config.C, r metrics.Registry, buildVersion string) (func(ctx context.Context), error) {
	mType := c.GetString("stats.type", "")
	if mType == "" || mType == "none" {
		return nil, nil
	}

	interval := c.GetDuration("stats.interval", 0)
	if interval <= 0 {
		return nil, fmt.Errorf("stats.interval was an invalid duration: %s", c.GetString("stats.interval", ""))
	}

	var export func(ctx context.Context)
	var err error
	switch mType {
	case "graphite":
		export, err = graphiteStats(l, interval, c, r)
	case "prometheus":
		export, err = prometheusStats(l, interval, c, r, buildVersion)
	default:
		return nil, fmt.Errorf("stats.type was not understood: %s", mType)
	}
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context) {
		metrics.RegisterDebugGCStats(r)
		metrics.RegisterRuntimeMemStats(r)
		go metrics.CaptureDebugGCStats(r, interval)
		go metrics.CaptureRuntimeMemStats(r, interval)
		export(ctx)
	}, nil
}

func graphiteStats(l *logrus.Logger, i time.Duration, c *config.C, r metrics.Registry) (func(ctx context.Context), error) {
	proto := c.GetString("stats.protocol", "tcp")
	host := c.GetString("stats.host", "")
	if host == "" {
		return nil, errors.New("stats.host can not be empty")
	}

	prefix := c.GetString("stats.prefix", "vringh")
	addr, err := net.ResolveTCPAddr(proto, host)
	if err != nil {
		return nil, fmt.Errorf("error while setting up graphite sink: %w", err)
	}

	return func(ctx context.Context) {
		l.Infof("Starting graphite. Interval: %s, prefix: %s, addr: %s", i, prefix, addr)
		cfg := graphite.Config{
			Addr:          addr,
			Registry:      r,
			FlushInterval: i,
			DurationUnit:  time.Nanosecond,
			Prefix:        prefix,
			Percentiles:   []float64{0.5, 0.75, 0.95, 0.99, 0.999},
		}
		ticker := time.NewTicker(i)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := graphite.Once(cfg); err != nil {
					l.WithError(err).Warn("Failed to send graphite stats")
				}
			}
		}
	}, nil
}

func prometheusStats(l *logrus.Logger, i time.Duration, c *config.C, r metrics.Registry, buildVersion string) (func(ctx context.Context), error) {
	namespace := c.GetString("stats.namespace", "")
	subsystem := c.GetString("stats.subsystem", "")

	listen := c.GetString("stats.listen", "")
	if listen == "" {
		return nil, errors.New("stats.listen should not be empty")
	}

	path := c.GetString("stats.path", "")
	if path == "" {
		return nil, errors.New("stats.path should not be empty")
	}

	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(r, namespace, subsystem, pr, i)

	// Export our version information as labels on a static gauge
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "info",
		Help:      "Version information for the vringh-loopback binary",
		ConstLabels: prometheus.Labels{
			"version":   buildVersion,
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(g)
	g.Set(1)

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	return func(ctx context.Context) {
		go pClient.UpdatePrometheusMetrics()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()

		l.Infof("Prometheus stats listening on %s at %s", listen, path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.WithError(err).Error("Prometheus stats server failed")
		}
	}, nil
}
