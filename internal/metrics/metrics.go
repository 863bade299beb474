// Package metrics exposes the broker's Prometheus instrumentation: provider
// discovery throughput, checker pass/fail counts per protocol, pool depth
// gauges, and forwarding server connection/retry counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Config controls the metric namespace/subsystem, mirroring
// mercator-hq/jupiter's telemetry Collector config shape.
type Config struct {
	Namespace string
	Subsystem string
}

// Collector owns every metric arprox exports and the registry they are
// registered against. A nil *prometheus.Registry passed to New defaults to
// a fresh prometheus.NewRegistry() so callers who don't want the global
// default registry polluted can opt out cleanly.
type Collector struct {
	registry *prometheus.Registry

	CandidatesDiscovered *prometheus.CounterVec
	CheckResults         *prometheus.CounterVec
	CheckLatency         *prometheus.HistogramVec
	PoolDepth            *prometheus.GaugeVec
	ForwarderConnections prometheus.Gauge
	ForwarderRetries     *prometheus.CounterVec
}

// NewCollector builds and registers every metric. registry may be nil.
func NewCollector(cfg Config, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "arprox"
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = "broker"
	}

	c := &Collector{
		registry: registry,
		CandidatesDiscovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "candidates_discovered_total",
			Help:      "Candidate proxy addresses discovered per provider.",
		}, []string{"provider"}),
		CheckResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "check_results_total",
			Help:      "Protocol check outcomes, partitioned by protocol and result.",
		}, []string{"protocol", "result"}),
		CheckLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "check_latency_seconds",
			Help:      "Latency of successful protocol negotiations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"protocol"}),
		PoolDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "pool_depth",
			Help:      "Number of proxies currently held per pool tier.",
		}, []string{"tier"}),
		ForwarderConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "forwarder_active_connections",
			Help:      "Currently open client connections on the forwarding port.",
		}),
		ForwarderRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "forwarder_retries_total",
			Help:      "Times the forwarding server fell back to a different proxy for one client request.",
		}, []string{"reason"}),
	}

	registry.MustRegister(
		c.CandidatesDiscovered,
		c.CheckResults,
		c.CheckLatency,
		c.PoolDepth,
		c.ForwarderConnections,
		c.ForwarderRetries,
	)

	return c
}

// Registry returns the registry metrics were registered against, for wiring
// into an http.Handler via promhttp.HandlerFor.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }
