// Package metrics holds the Prometheus collectors updated by the tiering,
// filter, ingestion and retention paths. They are registered in init and
// served at /metrics by the report API.
//
//   - markettiers_pipeline_evaluations_total{result}   accepted|rejected|error
//   - markettiers_pipeline_rejections_total{rule}      per hard filter
//   - markettiers_tier_transitions_total{from,to}
//   - markettiers_tier_markets{tier}                   markets per tier after a cycle
//   - markettiers_tier_cycle_seconds
//   - markettiers_tier_halted_total                    demotions blocked by open exposure
//   - markettiers_cleanup_deleted_total{table}
//   - markettiers_ingest_errors_total{source}
//   - markettiers_ingest_markets_total
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PipelineEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markettiers_pipeline_evaluations_total",
			Help: "Trade evaluations by outcome",
		},
		[]string{"result"},
	)

	PipelineRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markettiers_pipeline_rejections_total",
			Help: "Hard filter rejections by rule",
		},
		[]string{"rule"},
	)

	TierTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markettiers_tier_transitions_total",
			Help: "Recorded tier transitions",
		},
		[]string{"from", "to"},
	)

	TierMarkets = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "markettiers_tier_markets",
			Help: "Markets resident in each tier",
		},
		[]string{"tier"},
	)

	TierCycleSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "markettiers_tier_cycle_seconds",
			Help:    "Duration of a tier evaluation cycle",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	TierHalted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "markettiers_tier_halted_total",
			Help: "Demotions rejected because the market still carries open exposure",
		},
	)

	CleanupDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markettiers_cleanup_deleted_total",
			Help: "Rows removed by retention cleanup",
		},
		[]string{"table"},
	)

	IngestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markettiers_ingest_errors_total",
			Help: "Upstream fetch failures by source",
		},
		[]string{"source"},
	)

	IngestMarkets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "markettiers_ingest_markets_total",
			Help: "Market snapshots written",
		},
	)
)

func init() {
	prometheus.MustRegister(
		PipelineEvaluations,
		PipelineRejections,
		TierTransitions,
		TierMarkets,
		TierCycleSeconds,
		TierHalted,
		CleanupDeleted,
		IngestErrors,
		IngestMarkets,
	)
}
