// Package metrics holds the Prometheus collectors of the ingestion pipeline.
// They register with the default registry and are served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stream and backfill input
	RecordsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bbs_records_received_total",
			Help: "Raw records received from producers",
		},
		[]string{"subscription", "source"},
	)

	StreamReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bbs_stream_reconnects_total",
			Help: "Stream reconnect attempts",
		},
		[]string{"subscription"},
	)

	DecodeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bbs_decode_failures_total",
			Help: "Records that could not be decoded, by kind",
		},
		[]string{"subscription", "kind"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bbs_queue_depth",
			Help: "Records waiting between producers and the materializer",
		},
		[]string{"subscription", "source"},
	)

	// Materializer
	EventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bbs_events_total",
			Help: "Events processed by the materializer, by outcome",
		},
		[]string{"subscription", "outcome"},
	)

	ApplyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bbs_apply_duration_seconds",
			Help:    "Duration of materializer transactions",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		},
		[]string{"subscription"},
	)

	StoreRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bbs_store_retries_total",
			Help: "Store transactions retried after a transient failure",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bbs_circuit_breaker_state",
			Help: "Store circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CursorPosition = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bbs_cursor_position",
			Help: "Last committed stream position",
		},
		[]string{"subscription"},
	)

	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bbs_dead_letters_total",
			Help: "Malformed records written to the dead letter table",
		},
		[]string{"subscription"},
	)

	// Backfill
	BackfillPages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bbs_backfill_pages_total",
			Help: "Backfill pages fetched",
		},
		[]string{"subscription"},
	)

	BackfillRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bbs_backfill_runs_total",
			Help: "Backfill runs by result",
		},
		[]string{"subscription", "result"},
	)

	// Ledger maintenance
	LedgerPruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bbs_ledger_pruned_total",
			Help: "Ledger entries removed by the pruner",
		},
		[]string{"subscription"},
	)
)
