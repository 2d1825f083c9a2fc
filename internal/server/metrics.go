package server

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the authority's prometheus collectors.
type Metrics struct {
	resident       prometheus.Gauge
	pendingOrders  prometheus.Gauge
	viewpoints     prometheus.Gauge
	fetched        prometheus.Counter
	evicted        prometheus.Counter
	returned       prometheus.Counter
	staleReleases  prometheus.Counter
	protocolErrors prometheus.Counter
	disconnects    prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		resident: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voxstream",
			Subsystem: "authority",
			Name:      "resident_chunks",
			Help:      "Chunks in the canonical table.",
		}),
		pendingOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voxstream",
			Subsystem: "authority",
			Name:      "pending_orders",
			Help:      "LoadChunks requests not yet answered by the worker.",
		}),
		viewpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voxstream",
			Subsystem: "authority",
			Name:      "viewpoints",
			Help:      "Connected viewpoints.",
		}),
		fetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voxstream",
			Subsystem: "authority",
			Name:      "chunks_fetched_total",
			Help:      "Chunks requested from the worker.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voxstream",
			Subsystem: "authority",
			Name:      "chunks_evicted_total",
			Help:      "Chunks removed from the table after their last reference was dropped.",
		}),
		returned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voxstream",
			Subsystem: "authority",
			Name:      "chunks_returned_total",
			Help:      "Delivered chunks nobody wanted any more, handed straight back to the worker.",
		}),
		staleReleases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voxstream",
			Subsystem: "authority",
			Name:      "stale_releases_total",
			Help:      "Reference drops for chunks that were not loaded.",
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voxstream",
			Subsystem: "authority",
			Name:      "protocol_errors_total",
			Help:      "Unexpected messages received from viewpoints.",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voxstream",
			Subsystem: "authority",
			Name:      "disconnects_total",
			Help:      "Viewpoints removed without a leave handshake.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.resident, m.pendingOrders, m.viewpoints,
			m.fetched, m.evicted, m.returned,
			m.staleReleases, m.protocolErrors, m.disconnects,
		)
	}
	return m
}
