package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// storm-lead pipeline and the webhook receiver.
type Metrics struct {
	PipelineRunning prometheus.Gauge
	StageOutcomes   *prometheus.CounterVec // labels: stage, outcome={build,done,skip,failed}

	// Window ingestion metrics.
	FetchDuration prometheus.Histogram
	FetchRows     prometheus.Histogram

	// Export and vendor metrics.
	ExportedTargets   prometheus.Histogram
	VendorSubmissions *prometheus.CounterVec // labels: outcome={submitted,failed}

	// Webhook receiver metrics.
	WebhookEvents *prometheus.CounterVec // labels: outcome={stored,invalid,unauthorized}
}

// NewMetrics creates and registers all metrics with the default Prometheus
// registry. Call once per process.
func NewMetrics() *Metrics {
	m := &Metrics{
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stormlead",
			Name:      "pipeline_running",
			Help:      "1 while a pipeline run is active, 0 otherwise.",
		}),
		StageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stormlead",
			Name:      "stage_outcomes_total",
			Help:      "Stage executions by stage name and outcome.",
		}, []string{"stage", "outcome"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stormlead",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of one storm-window fetch, download through staging load.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		FetchRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stormlead",
			Name:      "fetch_rows",
			Help:      "Rows staged per storm-window fetch.",
			Buckets:   []float64{0, 10, 100, 1000, 10000, 100000, 1000000},
		}),
		ExportedTargets: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stormlead",
			Name:      "exported_targets",
			Help:      "Addresses written per export artifact.",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
		VendorSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stormlead",
			Name:      "vendor_submissions_total",
			Help:      "Skip-trace batch submissions by outcome.",
		}, []string{"outcome"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stormlead",
			Name:      "webhook_events_total",
			Help:      "Vendor webhook deliveries by handling outcome.",
		}, []string{"outcome"}),
	}

	prometheus.MustRegister(
		m.PipelineRunning,
		m.StageOutcomes,
		m.FetchDuration,
		m.FetchRows,
		m.ExportedTargets,
		m.VendorSubmissions,
		m.WebhookEvents,
	)

	return m
}

// NewMetricsForTesting creates Metrics with unregistered collectors to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return &Metrics{
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "stormlead", Name: "pipeline_running"}),
		StageOutcomes:   prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "stormlead", Name: "stage_outcomes_total"}, []string{"stage", "outcome"}),
		FetchDuration:   prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: "stormlead", Name: "fetch_duration_seconds"}),
		FetchRows:       prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: "stormlead", Name: "fetch_rows"}),
		ExportedTargets: prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: "stormlead", Name: "exported_targets"}),
		VendorSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stormlead", Name: "vendor_submissions_total"}, []string{"outcome"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stormlead", Name: "webhook_events_total"}, []string{"outcome"}),
	}
}
