package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StorePoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "prekey_store_pool_connections",
			Help: "Key store connection pool size by state (acquired, idle, total, max)",
		},
		[]string{"state"},
	)

	StoreQueryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prekey_store_query_duration_seconds",
			Help:    "Duration of key store queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"operation", "table"},
	)

	StoreQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prekey_store_query_errors_total",
			Help: "Key store query errors by kind",
		},
		[]string{"operation", "table", "error_type"},
	)
)
