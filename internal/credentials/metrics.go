package credentials

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/dc-tec/keycloak-sync-operator/internal/constants"
)

const (
	variantServer      = "server"
	variantInteractive = "interactive"
)

var (
	refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.MetricsNamespace,
			Subsystem: "credentials",
			Name:      "refresh_total",
			Help:      "Total number of credential renewals by outcome",
		},
		[]string{"variant", "result"},
	)

	retryCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: constants.MetricsNamespace,
			Subsystem: "credentials",
			Name:      "retry_count",
			Help:      "Current number of consecutive failed credential renewals",
		},
		[]string{"variant"},
	)
)

func init() {
	metrics.Registry.MustRegister(refreshTotal, retryCount)
}

func recordRefresh(variant, result string) {
	refreshTotal.WithLabelValues(variant, result).Inc()
}

func setRetryCount(variant string, n int) {
	retryCount.WithLabelValues(variant).Set(float64(n))
}
