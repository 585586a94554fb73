package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the reconciliation pipeline counters. Registration is
// against an explicit registerer so tests can gather from a private registry.
type Metrics struct {
	EventsIngested  *prometheus.CounterVec
	IngestDuration  *prometheus.HistogramVec
	LinkAttempts    *prometheus.CounterVec
	RetryJobs       *prometheus.CounterVec
	RetryQueueDepth prometheus.Gauge
	BackfillBatches *prometheus.CounterVec
}

func NewMetrics(cfg Config) *Metrics {
	return NewMetricsWithRegisterer(cfg, prometheus.DefaultRegisterer)
}

func NewMetricsWithRegisterer(cfg Config, reg prometheus.Registerer) *Metrics {
	constLabels := prometheus.Labels{
		"service": cfg.ServiceName,
		"env":     cfg.Environment,
	}

	m := &Metrics{
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "squaresync_events_ingested_total",
			Help:        "Webhook events processed, by event type and outcome.",
			ConstLabels: constLabels,
		}, []string{"event_type", "outcome"}),
		IngestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "squaresync_ingest_duration_seconds",
			Help:        "End-to-end ingestion pipeline duration.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"event_type"}),
		LinkAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "squaresync_link_attempts_total",
			Help:        "Deferred-linker attempts, by strategy and outcome.",
			ConstLabels: constLabels,
		}, []string{"strategy", "outcome"}),
		RetryJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "squaresync_retry_jobs_total",
			Help:        "Retry job executions, by stage and outcome.",
			ConstLabels: constLabels,
		}, []string{"stage", "outcome"}),
		RetryQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "squaresync_retry_queue_depth",
			Help:        "Jobs currently queued for retry.",
			ConstLabels: constLabels,
		}),
		BackfillBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "squaresync_backfill_batches_total",
			Help:        "Backfill batches processed, by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.EventsIngested,
			m.IngestDuration,
			m.LinkAttempts,
			m.RetryJobs,
			m.RetryQueueDepth,
			m.BackfillBatches,
		)
	}
	return m
}
