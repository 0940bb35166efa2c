// Package metrics holds the service's prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ghostwriter_pipeline_runs_total",
		Help: "Pipeline runs by outcome.",
	}, []string{"pipeline", "outcome"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ghostwriter_stage_duration_seconds",
		Help:    "Wall time per pipeline stage.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"agent"})

	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ghostwriter_retry_attempts_total",
		Help: "Retry ladder attempts by kind.",
	}, []string{"label", "kind"})

	CacheReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ghostwriter_cache_reads_total",
		Help: "Result cache reads by cache and outcome.",
	}, []string{"cache", "outcome"})

	ScrapeFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ghostwriter_scrape_fetches_total",
		Help: "Storefront page fetches by outcome.",
	}, []string{"outcome"})

	StreamsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ghostwriter_streams_open",
		Help: "Currently open event streams.",
	})
)
