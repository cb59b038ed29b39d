// Package metrics is A3: the process-wide Prometheus registry. Counters
// are constructed once and threaded into the components that increment
// them, matching the "no globals" rule the ambient stack follows elsewhere.
//
// Grounded on kashguard-go-mpc-infra's use of prometheus/client_golang for
// service-level counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every counter/gauge the core exposes on GET /metrics.
type Registry struct {
	DirectDelivered    *prometheus.CounterVec
	BroadcastDelivered *prometheus.CounterVec
	DeliveryFailed     *prometheus.CounterVec
	PeerCount          prometheus.Gauge
	QuoteSelections    prometheus.Counter
}

// NewRegistry constructs and registers every metric on reg.
func NewRegistry(reg *prometheus.Registry) *Registry {
	m := &Registry{
		DirectDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diiisco_direct_delivered_total",
			Help: "Direct messages successfully delivered, by role.",
		}, []string{"role"}),
		BroadcastDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diiisco_broadcast_delivered_total",
			Help: "Messages successfully published on the well-known topic, by role.",
		}, []string{"role"}),
		DeliveryFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diiisco_delivery_failed_total",
			Help: "Messages that failed both direct and broadcast delivery, by role.",
		}, []string{"role"}),
		PeerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "diiisco_peer_count",
			Help: "Currently connected peer count.",
		}),
		QuoteSelections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "diiisco_quote_selections_total",
			Help: "Auction windows that produced a winning bid.",
		}),
	}
	reg.MustRegister(m.DirectDelivered, m.BroadcastDelivered, m.DeliveryFailed, m.PeerCount, m.QuoteSelections)
	return m
}
