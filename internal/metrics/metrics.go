package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the Prometheus metrics of one engine instance. A nil *Collector is a
// valid no-op so components can run without metrics.
type Collector struct {
	registry *prometheus.Registry

	pagesFetched       prometheus.Counter
	pageErrors         *prometheus.CounterVec
	mutations          *prometheus.CounterVec
	pendingMutations   prometheus.Gauge
	viewSize           prometheus.Gauge
	tombstones         prometheus.Gauge
	gatewayDuration    *prometheus.HistogramVec
	breakerTransitions *prometheus.CounterVec
}

// NewCollector creates a collector registered on its own registry.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	collector := &Collector{
		registry: registry,
		pagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_fetched_total",
			Help:      "Pages of the memo feed fetched successfully",
		}),
		pageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "page_errors_total",
			Help:      "Page fetch failures by category",
		}, []string{"category"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Resolved mutations by kind and outcome",
		}, []string{"kind", "outcome"}),
		pendingMutations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_mutations",
			Help:      "Mutations not yet confirmed or failed",
		}),
		viewSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "view_size",
			Help:      "Records currently visible in the reconciled view",
		}),
		tombstones: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tombstones",
			Help:      "Deleted ids retained to absorb stale pages",
		}),
		gatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Remote gateway call duration by operation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Gateway circuit breaker state changes by target state",
		}, []string{"state"}),
	}

	registry.MustRegister(
		collector.pagesFetched,
		collector.pageErrors,
		collector.mutations,
		collector.pendingMutations,
		collector.viewSize,
		collector.tombstones,
		collector.gatewayDuration,
		collector.breakerTransitions,
	)
	return collector
}

// Registry exposes the registry for HTTP export.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) PageFetched() {
	if c == nil {
		return
	}
	c.pagesFetched.Inc()
}

func (c *Collector) PageFailed(category string) {
	if c == nil {
		return
	}
	c.pageErrors.WithLabelValues(category).Inc()
}

func (c *Collector) MutationResolved(kind, outcome string) {
	if c == nil {
		return
	}
	c.mutations.WithLabelValues(kind, outcome).Inc()
}

func (c *Collector) SetPendingMutations(count int) {
	if c == nil {
		return
	}
	c.pendingMutations.Set(float64(count))
}

func (c *Collector) SetViewSize(count int) {
	if c == nil {
		return
	}
	c.viewSize.Set(float64(count))
}

func (c *Collector) SetTombstones(count int) {
	if c == nil {
		return
	}
	c.tombstones.Set(float64(count))
}

// ObserveGateway records the duration of a gateway call that began at start.
func (c *Collector) ObserveGateway(operation string, start time.Time) {
	if c == nil {
		return
	}
	c.gatewayDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (c *Collector) BreakerTransition(state string) {
	if c == nil {
		return
	}
	c.breakerTransitions.WithLabelValues(state).Inc()
}
