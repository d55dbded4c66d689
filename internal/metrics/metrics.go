package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds every collector of this package.
	Registry = prometheus.NewRegistry()

	// Members is the member count of each watched group path.
	Members = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zkdiscovery",
			Name:      "members",
			Help:      "Number of members currently known under a group path.",
		},
		[]string{"path"},
	)

	// WatchEvents counts fired watches by kind and event type.
	WatchEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zkdiscovery",
			Name:      "watch_events_total",
			Help:      "Watch notifications processed, by watch kind and zookeeper event type.",
		},
		[]string{"kind", "type"},
	)

	// Reconciliations counts children listings by result.
	Reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zkdiscovery",
			Name:      "reconciliations_total",
			Help:      "Children reconciliation passes, by result.",
		},
		[]string{"result"},
	)

	// Registrations counts register, unregister and renew calls by result.
	Registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zkdiscovery",
			Name:      "registrations_total",
			Help:      "Ephemeral self-registration attempts, by operation and result.",
		},
		[]string{"op", "result"},
	)

	// Sessions counts session transitions seen by the connector.
	Sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zkdiscovery",
			Name:      "sessions_total",
			Help:      "Session lifecycle transitions seen by the connector.",
		},
		[]string{"event"},
	)

	// Peers is the size of the last peer list.
	Peers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "zkdiscovery",
			Name:      "peers",
			Help:      "Number of peer endpoints returned by the last peer list build.",
		},
	)
)

func init() {
	Registry.MustRegister(Members, WatchEvents, Reconciliations, Registrations, Sessions, Peers)
}

// Handler exposes the registry. Mount it with r.Handle("/metrics", metrics.Handler()).
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Result maps an error to the "result" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
