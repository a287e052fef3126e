package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared across the pipeline.
type Metrics struct {
	PacketsTotal        prometheus.Counter
	PacketsInvalidTotal prometheus.Counter
	FlowsEvictedTotal   prometheus.Counter
	AlertsEmittedTotal  prometheus.Counter
	BusDroppedTotal     prometheus.Counter
	BusPublishErrors    prometheus.Counter
	ProviderErrorsTotal *prometheus.CounterVec
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	ActionsTotal        *prometheus.CounterVec
	ScorerErrorsTotal   prometheus.Counter
	FlowsTracked        prometheus.Gauge
}

// New registers all collectors on the given registry. Passing nil registers
// on a fresh private registry, which keeps tests independent.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{
		PacketsTotal:        factory("sentinel_packets_total", "Total packets ingested"),
		PacketsInvalidTotal: factory("sentinel_packets_invalid_total", "Malformed packets dropped"),
		FlowsEvictedTotal:   factory("sentinel_flows_evicted_total", "Flows evicted by idle timeout or LRU"),
		AlertsEmittedTotal:  factory("sentinel_alerts_emitted_total", "Alerts published on the bus"),
		BusDroppedTotal:     factory("sentinel_bus_dropped_total", "Payloads dropped after publish timeout"),
		BusPublishErrors:    factory("sentinel_bus_publish_errors_total", "Bus publish failures"),
		CacheHitsTotal:      factory("sentinel_ti_cache_hits_total", "TI cache hits"),
		CacheMissesTotal:    factory("sentinel_ti_cache_misses_total", "TI cache misses"),
		ScorerErrorsTotal:   factory("sentinel_scorer_errors_total", "Scorer failures, batches discarded"),
	}

	m.ProviderErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_provider_errors_total",
		Help: "Threat-intel provider errors by source",
	}, []string{"source"})
	m.ActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_actions_total",
		Help: "Actions executed by type",
	}, []string{"action_type"})
	m.FlowsTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_flows_tracked",
		Help: "Flows currently resident in the flow table",
	})
	reg.MustRegister(m.ProviderErrorsTotal, m.ActionsTotal, m.FlowsTracked)

	return m
}
