package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scan metrics
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_scans_total",
			Help: "Total number of scan attempts by result",
		},
		[]string{"result"}, // recorded, duplicate, rejected, store_failed
	)

	// Sync metrics
	SyncPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_sync_passes_total",
			Help: "Total number of reconciliation passes",
		},
		[]string{"trigger", "result"}, // timer/reconnect/manual, completed/skipped/error
	)

	SyncRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_sync_records_total",
			Help: "Offline records processed by reconciliation outcome",
		},
		[]string{"outcome"}, // synced, retry, failed, rejected
	)

	SyncPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "attendance_sync_pass_duration_seconds",
			Help:    "Duration of reconciliation passes",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	PendingRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "attendance_offline_pending_records",
			Help: "Offline records waiting for reconciliation after the last pass",
		},
	)

	// Temporal key metrics
	KeyRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_temporal_key_rotations_total",
			Help: "Temporal key rotations by push result",
		},
		[]string{"result"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "attendance_rate_limited_requests_total",
			Help: "Requests rejected by the rate limiter",
		},
	)
)
