package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PreKeyRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prekey_rotations_total",
			Help: "Total number of pre-key rotation attempts by outcome",
		},
		[]string{"identity", "key_class", "outcome"},
	)

	PreKeysGeneratedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prekeys_generated_total",
			Help: "Total number of generated pre-keys",
		},
		[]string{"identity", "key_class"},
	)

	PreKeysFinalizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prekeys_finalized_total",
			Help: "Total number of pre-keys confirmed, skipped or discarded after upload",
		},
		[]string{"identity", "key_class", "result"},
	)

	PreKeyUploadDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prekey_upload_duration_seconds",
			Help:    "Duration of pre-key uploads in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"identity", "outcome"},
	)

	PreKeyConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "prekey_consecutive_failures",
			Help: "Consecutive failed rotation attempts per identity and key class",
		},
		[]string{"identity", "key_class"},
	)

	PreKeyIdentityLocked = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "prekey_identity_locked",
			Help: "Whether pre-key failures lock the identity (1=locked)",
		},
		[]string{"identity"},
	)

	PreKeyPoolAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "prekey_pool_available",
			Help: "Confirmed unconsumed one-time pre-keys",
		},
		[]string{"identity", "key_class"},
	)

	PreKeyNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prekey_notifications_total",
			Help: "Total number of key server notifications received",
		},
		[]string{"type"},
	)

	PreKeyNotifyConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prekey_notify_connected",
			Help: "Whether the key server notification socket is connected",
		},
	)

	PreKeyChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prekey_checks_total",
			Help: "Total number of steady-state pre-key checks by trigger",
		},
		[]string{"trigger", "outcome"},
	)
)
