// Package metrics exposes the bridge's Prometheus collectors on a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "httpbridge"

// Collector implements bridge.Observer and shutdown.CleanupObserver
type Collector struct {
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	waits     *prometheus.HistogramVec
	provision *prometheus.CounterVec
	cleanup   *prometheus.CounterVec
	pending   prometheus.Gauge
}

// Option configures a Collector
type Option func(*config)

type config struct {
	buckets        []float64
	runtimeMetrics bool
	constLabels    prometheus.Labels
}

// WithBuckets sets the wait duration histogram buckets, in seconds
func WithBuckets(buckets []float64) Option {
	return func(c *config) {
		c.buckets = buckets
	}
}

// WithRuntimeMetrics adds the Go runtime and process collectors
func WithRuntimeMetrics() Option {
	return func(c *config) {
		c.runtimeMetrics = true
	}
}

// WithConstLabels attaches labels to every bridge metric
func WithConstLabels(labels map[string]string) Option {
	return func(c *config) {
		c.constLabels = labels
	}
}

// New creates and registers the collectors
func New(options ...Option) *Collector {
	cfg := &config{
		buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}
	for _, opt := range options {
		opt(cfg)
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "requests_total",
			Help:        "HTTP requests served by the bridge, by mode and outcome.",
			ConstLabels: cfg.constLabels,
		}, []string{"mode", "outcome"}),
		waits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "wait_duration_seconds",
			Help:        "Time from forwarding or waiting until a terminal outcome.",
			Buckets:     cfg.buckets,
			ConstLabels: cfg.constLabels,
		}, []string{"outcome"}),
		provision: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "provision_total",
			Help:        "Subscription provisioning results.",
			ConstLabels: cfg.constLabels,
		}, []string{"result"}),
		cleanup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "shutdown_cleanup_total",
			Help:        "Shutdown subscription cleanup results.",
			ConstLabels: cfg.constLabels,
		}, []string{"result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pending_waits",
			Help:        "Waits currently in flight.",
			ConstLabels: cfg.constLabels,
		}),
	}

	c.registry.MustRegister(c.requests, c.waits, c.provision, c.cleanup, c.pending)
	if cfg.runtimeMetrics {
		c.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return c
}

// Registry returns the private registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveRequest counts one served HTTP request
func (c *Collector) ObserveRequest(mode, outcome string) {
	c.requests.WithLabelValues(mode, outcome).Inc()
}

// ObserveWait implements bridge.Observer
func (c *Collector) ObserveWait(outcome string, elapsed time.Duration) {
	c.waits.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// PendingWaits implements bridge.Observer
func (c *Collector) PendingWaits(delta int) {
	c.pending.Add(float64(delta))
}

// ObserveProvision implements bridge.ProvisionObserver
func (c *Collector) ObserveProvision(result string) {
	c.provision.WithLabelValues(result).Inc()
}

// ObserveCleanup implements shutdown.CleanupObserver
func (c *Collector) ObserveCleanup(result string) {
	c.cleanup.WithLabelValues(result).Inc()
}
