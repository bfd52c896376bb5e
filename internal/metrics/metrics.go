// Package metrics exposes Prometheus instrumentation for the classification
// pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OutcomeSuccess labels requests that produced a classification.
const OutcomeSuccess = "success"

// Recorder owns a private registry so tests and multiple servers in one
// process do not collide on the default one.
type Recorder struct {
	registry *prometheus.Registry
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
	staged   prometheus.Gauge
}

// NewRecorder registers the pipeline collectors plus the Go and process
// collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "classifier",
			Name:      "requests_total",
			Help:      "Classification requests by terminal outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "classifier",
			Name:      "pipeline_duration_seconds",
			Help:      "Time from staging to terminal state.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),
		staged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "classifier",
			Name:      "staged_files",
			Help:      "Uploads currently staged on disk.",
		}),
	}
	r.registry.MustRegister(
		r.outcomes,
		r.duration,
		r.staged,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveOutcome counts one terminal outcome and its pipeline duration.
func (r *Recorder) ObserveOutcome(outcome string, elapsed time.Duration) {
	r.outcomes.WithLabelValues(outcome).Inc()
	r.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// Staged records a file being written to the staging store.
func (r *Recorder) Staged() {
	r.staged.Inc()
}

// Released records a staged file being removed.
func (r *Recorder) Released() {
	r.staged.Dec()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
