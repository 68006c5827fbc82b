package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PointsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_points_ingested_total",
			Help: "Total number of telemetry points accepted by the engine",
		},
	)

	PointsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_points_rejected_total",
			Help: "Total number of telemetry points rejected",
		},
		[]string{"reason"},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rule_evaluation_duration_seconds",
			Help:    "Time spent evaluating alert rules per point",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	AlertsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_fired_total",
			Help: "Total number of alert events that created or re-fired an alert",
		},
		[]string{"severity"},
	)

	AlertsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alerts_deduplicated_total",
			Help: "Total number of alert events suppressed within cooldown",
		},
	)

	AlertsAutoResolved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alerts_auto_resolved_total",
			Help: "Total number of alerts auto-resolved after the condition cleared",
		},
	)

	NotificationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notification_failures_total",
			Help: "Total number of notification dispatch failures",
		},
	)

	BaselineRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baseline_refreshes_total",
			Help: "Total number of baseline recalculations by outcome",
		},
		[]string{"outcome"},
	)

	InsufficientBaselineSkips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "insufficient_baseline_skips_total",
			Help: "Total number of deviation evaluations skipped for lack of a valid baseline",
		},
	)

	IngestQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_queue_depth",
			Help: "Current number of telemetry points waiting in the ingest queue",
		},
	)
)
