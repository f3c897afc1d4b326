package node

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the supervisor's Prometheus collectors: pool occupancy,
// leases in flight, gossip fan-out counters, and pipeline terminal
// outcomes by error kind. An ambient observability concern carried
// regardless of the spec's Non-goals around persistence or consensus.
type Metrics struct {
	registry *prometheus.Registry

	PoolSize         prometheus.Gauge
	LeasesInFlight   prometheus.Gauge
	GossipForwards   prometheus.Counter
	GossipDrops      prometheus.Counter
	PipelineOutcomes *prometheus.CounterVec
}

// NewMetrics builds a Metrics bound to a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		PoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nomad", Subsystem: "pool", Name: "size",
			Help: "Total signals currently tracked by the pool (any state).",
		}),
		LeasesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nomad", Subsystem: "pool", Name: "leases_in_flight",
			Help: "Number of signals currently leased to a worker.",
		}),
		GossipForwards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nomad", Subsystem: "gossip", Name: "forwards_total",
			Help: "Envelopes forwarded to peers after passing the dedup check.",
		}),
		GossipDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nomad", Subsystem: "gossip", Name: "drops_total",
			Help: "Envelopes dropped as duplicate or hop-exhausted; full peer send queues are counted per peer, not here.",
		}),
		PipelineOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nomad", Subsystem: "pipeline", Name: "outcomes_total",
			Help: "Terminal pipeline outcomes by kind (\"success\" or an error kind name).",
		}, []string{"kind"}),
	}

	reg.MustRegister(m.PoolSize, m.LeasesInFlight, m.GossipForwards, m.GossipDrops, m.PipelineOutcomes)
	return m
}

// Handler returns an http.Handler serving the registry in the Prometheus
// text exposition format, mounted by the supervisor at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
