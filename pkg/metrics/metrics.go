// Package metrics 定义进程内全部 Prometheus 指标（promauto 注册到默认 Registry）。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Serving
	FeedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rslash_feed_requests_total",
			Help: "Feed requests by outcome (ok, empty, unavailable, error)",
		},
		[]string{"outcome"},
	)

	FeedLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rslash_feed_duration_seconds",
			Help:    "End-to-end feed request latency",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	FeedItems = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rslash_feed_items",
			Help:    "Number of items returned per feed request",
			Buckets: prometheus.LinearBuckets(0, 5, 11),
		},
	)

	NodeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rslash_pipeline_node_duration_seconds",
			Help:    "Pipeline node latency",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
		[]string{"node", "kind"},
	)

	RetrievalSoftFail = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rslash_retrieval_soft_fail_total",
			Help: "Retrieval calls that degraded to an empty pool, by reason",
		},
		[]string{"source", "reason"},
	)

	SessionReadmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rslash_session_readmitted_total",
			Help: "Items re-admitted by the session exhaustion policy",
		},
	)

	ExplorationSlots = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rslash_rank_slots_total",
			Help: "Ranked response slots by mode (exploit, explore)",
		},
		[]string{"mode"},
	)

	ScorerErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rslash_rank_scorer_errors_total",
			Help: "Candidates skipped because the relevance scorer failed",
		},
	)

	// Feedback
	FeedbackAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rslash_feedback_accepted_total",
			Help: "Feedback events accepted into the ingest queue",
		},
		[]string{"type"},
	)

	FeedbackDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rslash_feedback_dropped_total",
			Help: "Feedback events dropped, by type and reason",
		},
		[]string{"type", "reason"},
	)

	FeedbackOverflow = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rslash_feedback_overflow_total",
			Help: "Interactions admitted beyond queue capacity",
		},
	)

	FeedbackProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rslash_feedback_processed_total",
			Help: "Feedback events processed, by type and result",
		},
		[]string{"type", "result"},
	)

	FeedbackQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rslash_feedback_queue_depth",
			Help: "Events currently queued for ingestion",
		},
	)

	RefreshSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rslash_model_refresh_signals_total",
			Help: "Model refresh readiness signals sent, by result",
		},
		[]string{"result"},
	)

	// Artifacts
	ModelSwaps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rslash_model_swaps_total",
			Help: "Scorer hot swaps, by result",
		},
		[]string{"result"},
	)

	IndexItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rslash_index_items",
			Help: "Items in the current embedding index",
		},
	)

	IndexRebuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rslash_index_rebuilds_total",
			Help: "Full index rebuilds, by result",
		},
		[]string{"result"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rslash_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)
