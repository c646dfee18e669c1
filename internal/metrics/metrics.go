// Package metrics centralizes the prometheus collectors for components
// that don't already own their own (internal/queue's buffered-request
// gauges are registered directly by that package; this package covers
// C7's load factor and C9's tile outcome counters, per SPEC_FULL.md's
// domain-stack wiring for prometheus/client_golang).
//
// Grounded on internal/queue/buffered.go's Gauge/Collectors pattern.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every metric this package exposes, and implements the
// small sink interfaces internal/handler and internal/scheduler accept as
// optional collaborators (RegionRequestHandler.SetMetrics,
// EndpointLoadScheduler.SetMetrics).
type Registry struct {
	tilesTotal *prometheus.CounterVec
	loadFactor *prometheus.GaugeVec
}

// NewRegistry builds an unregistered Registry; call Collectors to register
// it with a prometheus.Registerer.
func NewRegistry() *Registry {
	return &Registry{
		tilesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rasterrunner_tiles_total",
			Help: "Number of tiles dispatched to an inference endpoint, by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		loadFactor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rasterrunner_endpoint_load_factor",
			Help: "Current scheduler load factor (in-flight region load / instance count) per endpoint.",
		}, []string{"endpoint"}),
	}
}

// Collectors exposes every metric for registration with a
// prometheus.Registerer, mirroring internal/queue.BufferedRequestQueue's
// Collectors method.
func (r *Registry) Collectors() []prometheus.Collector {
	return []prometheus.Collector{r.tilesTotal, r.loadFactor}
}

// RecordTileResult implements internal/handler.TileMetrics.
func (r *Registry) RecordTileResult(endpointName string, succeeded bool) {
	outcome := "failed"
	if succeeded {
		outcome = "succeeded"
	}
	r.tilesTotal.WithLabelValues(endpointName, outcome).Inc()
}

// RecordLoadFactor implements internal/scheduler.LoadFactorMetrics.
func (r *Registry) RecordLoadFactor(endpointName string, factor float64) {
	r.loadFactor.WithLabelValues(endpointName).Set(factor)
}
