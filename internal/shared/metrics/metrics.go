package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process-wide counters for sync runs.
type Metrics struct {
	registry *prometheus.Registry

	RunsStarted     *prometheus.CounterVec
	RunsCompleted   *prometheus.CounterVec
	AssetsProcessed prometheus.Counter
	AssetsMatched   prometheus.Counter
	PagesFetched    prometheus.Counter
	UploadsTotal    prometheus.Counter
	UploadErrors    prometheus.Counter
	RunInFlight     prometheus.Gauge
}

// New creates a metrics set on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RunsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vtagger",
			Name:      "runs_started_total",
			Help:      "Sync runs started, by mode.",
		}, []string{"mode"}),
		RunsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vtagger",
			Name:      "runs_completed_total",
			Help:      "Sync runs finished, by terminal status.",
		}, []string{"status"}),
		AssetsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vtagger",
			Name:      "assets_processed_total",
			Help:      "Resources mapped through the dimension chain.",
		}),
		AssetsMatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vtagger",
			Name:      "assets_matched_total",
			Help:      "Resources with at least one non-default dimension.",
		}),
		PagesFetched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vtagger",
			Name:      "pages_fetched_total",
			Help:      "Upstream asset pages fetched.",
		}),
		UploadsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vtagger",
			Name:      "uploads_total",
			Help:      "Per-payer presigned uploads performed.",
		}),
		UploadErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vtagger",
			Name:      "upload_errors_total",
			Help:      "Per-payer uploads that failed and were skipped.",
		}),
		RunInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vtagger",
			Name:      "run_in_flight",
			Help:      "1 while a sync or simulation is running.",
		}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
