package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AdminRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prekey_admin_requests_total",
			Help: "Total number of admin API requests",
		},
		[]string{"method", "path"},
	)

	AdminRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prekey_admin_requests_in_flight",
			Help: "Number of admin API requests currently being processed",
		},
	)

	AdminRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prekey_admin_request_duration_seconds",
			Help:    "Duration of admin API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
