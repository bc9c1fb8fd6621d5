// Package telemetry exports live load test statistics to Prometheus.
package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wesleyorama2/horde/internal/load/stats"
)

// DefaultNamespace prefixes every exported metric name.
const DefaultNamespace = "horde"

// SnapshotFunc returns the current statistics. It may return nil before
// the run starts.
type SnapshotFunc func() *stats.Snapshot

// Collector is a prometheus.Collector that reads a fresh snapshot on every
// scrape. It holds no state of its own.
type Collector struct {
	snapshot SnapshotFunc

	requests    *prometheus.Desc
	failures    *prometheus.Desc
	bytes       *prometheus.Desc
	failureRate *prometheus.Desc
	rps         *prometheus.Desc
	users       *prometheus.Desc
	latency     *prometheus.Desc
	reqLatency  *prometheus.Desc
	phase       *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector. An empty namespace uses DefaultNamespace.
func NewCollector(namespace string, snapshot SnapshotFunc) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	name := func(n string) string { return prometheus.BuildFQName(namespace, "", n) }

	return &Collector{
		snapshot: snapshot,
		requests: prometheus.NewDesc(name("requests_total"),
			"Total recorded requests", []string{"request"}, nil),
		failures: prometheus.NewDesc(name("request_failures_total"),
			"Total failed requests", []string{"request"}, nil),
		bytes: prometheus.NewDesc(name("response_bytes_total"),
			"Total response bytes received", nil, nil),
		failureRate: prometheus.NewDesc(name("failure_ratio"),
			"Failed requests divided by total requests", nil, nil),
		rps: prometheus.NewDesc(name("requests_per_second"),
			"Current throughput", nil, nil),
		users: prometheus.NewDesc(name("users"),
			"Live virtual users", nil, nil),
		latency: prometheus.NewDesc(name("latency_seconds"),
			"Request latency over the whole run", nil, nil),
		reqLatency: prometheus.NewDesc(name("request_latency_seconds"),
			"Request latency per request name", []string{"request"}, nil),
		phase: prometheus.NewDesc(name("phase"),
			"Current phase of the run (1 for the active phase)", []string{"phase"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.failures
	ch <- c.bytes
	ch <- c.failureRate
	ch <- c.rps
	ch <- c.users
	ch <- c.latency
	ch <- c.reqLatency
	ch <- c.phase
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.snapshot()
	if snap == nil {
		return
	}

	for name, r := range snap.Requests {
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(r.Count), name)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(r.Failures), name)
		ch <- summary(c.reqLatency, r.Latency, name)
	}

	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(snap.TotalBytes))
	ch <- prometheus.MustNewConstMetric(c.failureRate, prometheus.GaugeValue, snap.FailureRate)
	ch <- prometheus.MustNewConstMetric(c.rps, prometheus.GaugeValue, snap.RPS)
	ch <- prometheus.MustNewConstMetric(c.users, prometheus.GaugeValue, float64(snap.ActiveUsers))
	ch <- summary(c.latency, snap.Latency)

	for _, p := range []stats.Phase{stats.PhaseInit, stats.PhaseSpawning, stats.PhaseRunning, stats.PhaseStopping, stats.PhaseDone} {
		v := 0.0
		if snap.Phase == p {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.phase, prometheus.GaugeValue, v, string(p))
	}
}

// summary builds a constant summary from histogram-derived statistics.
func summary(desc *prometheus.Desc, l stats.LatencyStats, labels ...string) prometheus.Metric {
	sum := l.Mean.Seconds() * float64(l.Count)
	return prometheus.MustNewConstSummary(desc, uint64(l.Count), sum, map[float64]float64{
		0.5:  l.P50.Seconds(),
		0.9:  l.P90.Seconds(),
		0.95: l.P95.Seconds(),
		0.99: l.P99.Seconds(),
	}, labels...)
}

// NewRegistry returns a registry holding c plus the Go runtime and process
// collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns an http.Handler for the /metrics endpoint.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Server serves /metrics until its context is cancelled.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer creates a metrics server listening on addr.
func NewServer(addr string, reg *prometheus.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(reg))

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.Named("telemetry"),
	}
}

// Serve listens on the configured address and blocks until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln and blocks until ctx is done. The listener is
// closed on return.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	s.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("metrics server shutdown", zap.Error(err))
			return err
		}
		return nil
	}
}
