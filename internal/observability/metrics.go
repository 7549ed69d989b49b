package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "etc"

// Metrics holds the Prometheus counters, histograms, and gauges for the tracking pipeline.
type Metrics struct {
	SnapshotsProcessed prometheus.Counter
	CentresFound       prometheus.Counter
	CentresRejected    *prometheus.CounterVec // labels: reason={cutoff,geometry_degenerate,merged,duplicate_centre}
	AnomalousSteps     prometheus.Counter
	TracksClosed       *prometheus.CounterVec // labels: outcome={kept,discarded}
	Years              *prometheus.CounterVec // labels: status={ok,skipped,failed}
	PipelineRunning    prometheus.Gauge

	// Compositing metrics.
	CompositePoints *prometheus.CounterVec // labels: var
	SnapshotCache   *prometheus.CounterVec // labels: result={hit,miss}

	YearDuration prometheus.Histogram
}

func newMetrics() *Metrics {
	return &Metrics{
		SnapshotsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_processed_total",
			Help:      "SLP snapshots scanned for centres.",
		}),
		CentresFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "centres_found_total",
			Help:      "Centres written to the centre store.",
		}),
		CentresRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "centres_rejected_total",
			Help:      "Local minima rejected by reason.",
		}, []string{"reason"}),
		AnomalousSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalous_steps_total",
			Help:      "Snapshots whose centre count fell outside the density bounds.",
		}),
		TracksClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracks_closed_total",
			Help:      "Closed tracks by outcome.",
		}, []string{"outcome"}),
		Years: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "years_total",
			Help:      "Processed years by final status.",
		}, []string{"status"}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 while a run is in progress, 0 otherwise.",
		}),
		CompositePoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "composite_points_total",
			Help:      "Track points accumulated into composites by variable.",
		}, []string{"var"}),
		SnapshotCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_cache_total",
			Help:      "Field snapshot cache lookups by result.",
		}, []string{"result"}),
		YearDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "year_duration_seconds",
			Help:      "Wall time of one year's B-C-D-E pipeline.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
	}
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.SnapshotsProcessed,
		m.CentresFound,
		m.CentresRejected,
		m.AnomalousSteps,
		m.TracksClosed,
		m.Years,
		m.PipelineRunning,
		m.CompositePoints,
		m.SnapshotCache,
		m.YearDuration,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}
