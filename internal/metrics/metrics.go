// Package metrics exposes pipeline counters for Prometheus.
//
// All methods are safe to call on a nil *Metrics, so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pavelanni/examgen/internal/model"
)

// Item sources.
const (
	SourceCache     = "cache"
	SourceGenerated = "generated"
)

type Metrics struct {
	registry *prometheus.Registry

	itemsAccepted      *prometheus.CounterVec
	generationFailures *prometheus.CounterVec
	duplicates         prometheus.Counter
	storeErrors        *prometheus.CounterVec
	examsFinished      *prometheus.CounterVec
	regenerations      *prometheus.CounterVec
	subscribers        prometheus.Gauge
	generationDuration *prometheus.HistogramVec
}

// New creates a Metrics instance backed by its own registry, which also
// carries the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		itemsAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "examgen_items_accepted_total",
			Help: "Items appended to exams, partitioned by source.",
		}, []string{"source"}),
		generationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "examgen_generation_failures_total",
			Help: "Generator calls that failed or timed out, partitioned by kind.",
		}, []string{"kind"}),
		duplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "examgen_duplicates_rejected_total",
			Help: "Generated items discarded as content duplicates.",
		}),
		storeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "examgen_store_errors_total",
			Help: "Content store operations that failed, partitioned by operation.",
		}, []string{"op"}),
		examsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "examgen_exams_finished_total",
			Help: "Exam generation runs that finished, partitioned by final status.",
		}, []string{"status"}),
		regenerations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "examgen_regenerations_total",
			Help: "Single-item regenerations after a delete, partitioned by result.",
		}, []string{"result"}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "examgen_stream_subscribers",
			Help: "Live event stream subscriptions.",
		}),
		generationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "examgen_generation_duration_seconds",
			Help:    "Latency of generator calls, partitioned by kind.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45, 90},
		}, []string{"kind"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ItemAccepted(source string) {
	if m == nil {
		return
	}
	m.itemsAccepted.WithLabelValues(source).Inc()
}

func (m *Metrics) GenerationFailed(kind model.Kind) {
	if m == nil {
		return
	}
	m.generationFailures.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) DuplicateRejected() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) ExamFinished(status model.ExamStatus) {
	if m == nil {
		return
	}
	m.examsFinished.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) Regeneration(ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "ok"
	}
	m.regenerations.WithLabelValues(result).Inc()
}

// SubscribersChanged adjusts the live subscriber gauge by delta.
func (m *Metrics) SubscribersChanged(delta int) {
	if m == nil {
		return
	}
	m.subscribers.Add(float64(delta))
}

// ObserveGeneration records the latency of one generator call.
func (m *Metrics) ObserveGeneration(kind model.Kind, d time.Duration) {
	if m == nil {
		return
	}
	m.generationDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}
