package cache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/dc-tec/keycloak-sync-operator/internal/constants"
)

var (
	refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.MetricsNamespace,
			Subsystem: "cache",
			Name:      "refresh_total",
			Help:      "Total number of cache refreshes against the source of record",
		},
		[]string{"kind", "result"},
	)

	refreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: constants.MetricsNamespace,
			Subsystem: "cache",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of cache refreshes in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

func init() {
	metrics.Registry.MustRegister(refreshTotal, refreshDuration)
}

func observeRefresh(kind string, err error, took time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
	}
	refreshTotal.WithLabelValues(kind, result).Inc()
	refreshDuration.WithLabelValues(kind).Observe(took.Seconds())
}
