package rolesync

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/dc-tec/keycloak-sync-operator/internal/constants"
)

const (
	resultSuccess   = "success"
	resultUnchanged = "unchanged"
	resultIgnored   = "ignored"
	resultError     = "error"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.MetricsNamespace,
			Subsystem: "rolesync",
			Name:      "events_total",
			Help:      "Total number of watch events handled, by kind, event type and result",
		},
		[]string{"kind", "type", "result"},
	)

	rewatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.MetricsNamespace,
			Subsystem: "rolesync",
			Name:      "rewatch_total",
			Help:      "Total number of watch stream restarts",
		},
		[]string{"kind"},
	)

	resyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.MetricsNamespace,
			Subsystem: "rolesync",
			Name:      "resync_total",
			Help:      "Total number of resources replayed by scheduled resyncs, by result",
		},
		[]string{"kind", "result"},
	)
)

func init() {
	metrics.Registry.MustRegister(eventsTotal, rewatchTotal, resyncTotal)
}
