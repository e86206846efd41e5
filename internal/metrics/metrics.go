// Package metrics defines the Prometheus collectors shared by every
// das-core pipeline stage.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest Fan-In (spec.md §4.1).
	DedupHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dascore_dedup_hits_total",
		Help: "Total number of updates suppressed by the dedup cache",
	}, []string{"kind"})

	RecordsIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dascore_records_ingested_total",
		Help: "Total number of records accepted from upstream endpoints",
	}, []string{"endpoint", "kind"})

	PipelineFlushedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dascore_pipeline_flushed_total",
		Help: "Total number of records flushed to a stream",
	}, []string{"stream"})

	PipelineFlushErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dascore_pipeline_flush_errors_total",
		Help: "Total number of pipeline flush errors",
	}, []string{"stream"})

	EndpointRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dascore_endpoint_retries_total",
		Help: "Total number of upstream endpoint subscription retries",
	}, []string{"endpoint"})

	EndpointLostTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dascore_endpoint_lost_total",
		Help: "Total number of upstream endpoints abandoned after exhausting retries",
	}, []string{"endpoint"})

	// Stream Consumer (spec.md §4.2).
	ConsumerDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dascore_consumer_delivered_total",
		Help: "Total number of records delivered to a handler",
	}, []string{"stream", "mode"})

	ConsumerAckedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dascore_consumer_acked_total",
		Help: "Total number of records acknowledged",
	}, []string{"stream"})

	ConsumerRedeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dascore_consumer_redelivered_total",
		Help: "Total number of records redelivered (tries > 0)",
	}, []string{"stream"})

	ConsumerBatchSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dascore_consumer_batch_size",
		Help: "Last sampled batch size delivered to the consumer (sampled at most once per 10s)",
	}, []string{"stream"})

	ConsumerLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dascore_consumer_first_delivery_latency_seconds",
		Help:    "Handler latency for first-delivery (tries == 0) records",
		Buckets: prometheus.DefBuckets,
	}, []string{"stream"})

	// Program Decoders / errors (spec.md §7).
	DecodeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dascore_decode_errors_total",
		Help: "Total number of decode errors by (stream, kind)",
	}, []string{"stream", "kind"})

	// Compressed-Data Ledger (spec.md §4.5).
	LedgerOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dascore_ledger_operations_total",
		Help: "Total number of ledger operations applied",
	}, []string{"op"})

	CharacterEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dascore_character_events_total",
		Help: "Total number of character lifecycle events recorded",
	}, []string{"event"})

	// Backfiller.
	BackfillGapsDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dascore_backfill_gaps_detected_total",
		Help: "Total number of sequence gaps detected by the tree crawler",
	})

	BackfillGapsFilledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dascore_backfill_gaps_filled_total",
		Help: "Total number of sequence gaps successfully filled",
	})
)
