// Package metrics provides Prometheus instrumentation for kestrel.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsConsumed counts inbound events by outcome (processed, duplicate,
	// invalid, failed).
	EventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "events_consumed_total",
			Help:      "Inbound transfer events by handling outcome.",
		},
		[]string{"outcome"},
	)

	// Decisions counts analyses by decision.
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "decisions_total",
			Help:      "Fraud decisions by outcome.",
		},
		[]string{"decision"},
	)

	// PipelineDuration observes end-to-end analysis latency.
	PipelineDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "pipeline_duration_seconds",
			Help:      "End-to-end analysis duration in seconds.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// FactorScore observes raw scores per analyzer method.
	FactorScore = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "factor_raw_score",
			Help:      "Raw analyzer scores by method.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
		[]string{"method"},
	)

	// AnalyzerFailures counts neutralized analyzer errors by method.
	AnalyzerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "analyzer_failures_total",
			Help:      "Analyzer errors neutralized to zero-score factors.",
		},
		[]string{"method"},
	)

	// BlocklistHits counts blocklist short-circuits by type.
	BlocklistHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "blocklist_hits_total",
			Help:      "Blocklist short-circuits by entry type.",
		},
		[]string{"type"},
	)

	// PublishFailures counts dropped outbound publishes by topic.
	PublishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "publish_failures_total",
			Help:      "Outbound publish failures by topic.",
		},
		[]string{"topic"},
	)

	// Timeouts counts analyses that hit the hard deadline.
	Timeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "analysis_timeouts_total",
			Help:      "Analyses that exceeded the processing deadline.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		EventsConsumed,
		Decisions,
		PipelineDuration,
		FactorScore,
		AnalyzerFailures,
		BlocklistHits,
		PublishFailures,
		Timeouts,
	)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
