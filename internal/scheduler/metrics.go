package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors the scheduler updates on
// every tick. Registration is the caller's choice of registry so
// tests can use a throwaway one instead of the global default.
type Metrics struct {
	SyncDuration *prometheus.HistogramVec
	SyncTotal    *prometheus.CounterVec
	NodesTotal   *prometheus.GaugeVec

	collectors []prometheus.Collector
	registerer prometheus.Registerer
}

// NewMetrics builds and registers the scheduler's metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	syncDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "graph_sync_duration_seconds",
		Help:    "Duration of a tenant sync cycle in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"tenant", "kind"})

	syncTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_sync_total",
		Help: "Total number of tenant sync cycles run",
	}, []string{"tenant", "kind", "status"})

	nodesTotal := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "graph_nodes_total",
		Help: "Current number of nodes in a tenant's graph",
	}, []string{"tenant"})

	collectors := []prometheus.Collector{syncDuration, syncTotal, nodesTotal}
	reg.MustRegister(collectors...)

	return &Metrics{
		SyncDuration: syncDuration,
		SyncTotal:    syncTotal,
		NodesTotal:   nodesTotal,
		collectors:   collectors,
		registerer:   reg,
	}
}

// Unregister removes every collector from its registry. Call before
// discarding a Metrics instance to avoid duplicate-registration
// panics if a new one is built against the same registry.
func (m *Metrics) Unregister() {
	if m.registerer == nil {
		return
	}
	for _, c := range m.collectors {
		m.registerer.Unregister(c)
	}
}
