package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "jma_ingest"

// Metrics holds the Prometheus counters, histograms, and gauges for ingestion.
type Metrics struct {
	FetchAttempts *prometheus.CounterVec // labels: outcome={success,transport,timeout,status,decode}
	FetchFailures prometheus.Counter
	FetchDuration prometheus.Histogram

	AreasIngested *prometheus.CounterVec // labels: result={success,fetch,normalize,store}
	RowsWritten   *prometheus.CounterVec // labels: table={areas,weather_reports,time_series,weather_conditions}
	StoreDuration prometheus.Histogram

	RunDuration        prometheus.Histogram
	LastRunTimestamp   prometheus.Gauge
	LastRunFailedAreas prometheus.Gauge
	RunnerRunning      prometheus.Gauge

	ArchiveErrors prometheus.Counter
	PublishErrors prometheus.Counter
}

// NewMetrics creates and registers all ingestion metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		FetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Feed request attempts by outcome.",
		}, []string{"outcome"}),
		FetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Documents given up on after exhausting all attempts.",
		}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of a single feed request attempt.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		AreasIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "areas_ingested_total",
			Help:      "Leaf area ingestions by result.",
		}, []string{"result"}),
		RowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_written_total",
			Help:      "Rows committed per table.",
		}, []string{"table"}),
		StoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_duration_seconds",
			Help:      "Duration of one area's write transaction.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete ingestion run.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		LastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the most recent run finished.",
		}),
		LastRunFailedAreas: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_failed_areas",
			Help:      "Number of area codes that failed in the most recent run.",
		}),
		RunnerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runner_running",
			Help:      "1 while the scheduled runner is active, 0 when shut down.",
		}),
		ArchiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_errors_total",
			Help:      "Raw documents that could not be archived.",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_publish_errors_total",
			Help:      "Run summaries that could not be published.",
		}),
	}

	prometheus.MustRegister(
		m.FetchAttempts,
		m.FetchFailures,
		m.FetchDuration,
		m.AreasIngested,
		m.RowsWritten,
		m.StoreDuration,
		m.RunDuration,
		m.LastRunTimestamp,
		m.LastRunFailedAreas,
		m.RunnerRunning,
		m.ArchiveErrors,
		m.PublishErrors,
	)

	return m
}

// NewMetricsForTesting creates Metrics without registering them to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return &Metrics{
		FetchAttempts:      prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "fetch_attempts_total"}, []string{"outcome"}),
		FetchFailures:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "fetch_failures_total"}),
		FetchDuration:      prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "fetch_duration_seconds"}),
		AreasIngested:      prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "areas_ingested_total"}, []string{"result"}),
		RowsWritten:        prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "rows_written_total"}, []string{"table"}),
		StoreDuration:      prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "store_duration_seconds"}),
		RunDuration:        prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "run_duration_seconds"}),
		LastRunTimestamp:   prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "last_run_timestamp_seconds"}),
		LastRunFailedAreas: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "last_run_failed_areas"}),
		RunnerRunning:      prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "runner_running"}),
		ArchiveErrors:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "archive_errors_total"}),
		PublishErrors:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "summary_publish_errors_total"}),
	}
}
