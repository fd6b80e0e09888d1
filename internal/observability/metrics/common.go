package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AdminRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prekey_admin_rate_limited_total",
			Help: "Admin API requests rejected by the rate limiter",
		},
		[]string{"path", "bucket"},
	)

	// UploadCircuitState is 0 closed, 1 open, 2 half-open.
	UploadCircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "prekey_upload_circuit_state",
			Help: "State of the key server circuit breaker",
		},
		[]string{"name"},
	)

	UploadCircuitFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prekey_upload_circuit_failures_total",
			Help: "Failures counted by the key server circuit breaker",
		},
		[]string{"name"},
	)

	DomainErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prekey_domain_errors_total",
			Help: "Domain errors returned by the admin API, by category and code",
		},
		[]string{"category", "code", "status"},
	)

	AdminErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prekey_admin_errors_total",
			Help: "Admin API error responses by status code",
		},
		[]string{"status", "path", "method"},
	)
)
