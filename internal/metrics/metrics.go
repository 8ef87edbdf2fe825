// Package metrics publishes Prometheus series for message processing, cache
// activity, and tokenizer latency. A dedicated registry keeps recorders from
// colliding with the global default registerer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder publishes Prometheus metrics for pipeline activity. All methods
// are safe on a nil receiver so wiring stays optional in tests.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	messages        *prometheus.CounterVec
	messageLatency  *prometheus.HistogramVec
	directives      *prometheus.CounterVec
	cacheOperations *prometheus.CounterVec
	evictions       *prometheus.CounterVec
	warnings        *prometheus.CounterVec
	encodeLatency   prometheus.Histogram
	sessions        prometheus.Gauge
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	messages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ctxctrl",
		Subsystem: "messages",
		Name:      "processed_total",
		Help:      "Messages processed by the session pipeline.",
	}, []string{"outcome"})

	messageLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ctxctrl",
		Subsystem: "messages",
		Name:      "duration_seconds",
		Help:      "End-to-end parse/apply/assemble latency per message.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})

	directives := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ctxctrl",
		Subsystem: "directives",
		Name:      "applied_total",
		Help:      "Parsed directives by kind and apply outcome.",
	}, []string{"kind", "outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ctxctrl",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache store operations by outcome.",
	}, []string{"operation", "outcome"})

	evictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ctxctrl",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Entries evicted to satisfy configured limits, by reason.",
	}, []string{"reason"})

	warnings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ctxctrl",
		Subsystem: "pipeline",
		Name:      "warnings_total",
		Help:      "Non-fatal warnings emitted during processing.",
	}, []string{"code"})

	encodeLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ctxctrl",
		Subsystem: "tokenizer",
		Name:      "encode_duration_seconds",
		Help:      "Latency of tokenizer encode calls performed for puts.",
		Buckets:   prometheus.DefBuckets,
	})

	sessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ctxctrl",
		Subsystem: "sessions",
		Name:      "active",
		Help:      "Sessions currently held by the manager.",
	})

	reg.MustRegister(messages, messageLatency, directives, cacheOperations, evictions, warnings, encodeLatency, sessions)

	return &Recorder{
		gatherer:        reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		messages:        messages,
		messageLatency:  messageLatency,
		directives:      directives,
		cacheOperations: cacheOperations,
		evictions:       evictions,
		warnings:        warnings,
		encodeLatency:   encodeLatency,
		sessions:        sessions,
	}
}

// Handler serves the /metrics endpoint.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return r.handler
}

// Gatherer exposes the registry for test assertions.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return nil
	}
	return r.gatherer
}

// ObserveMessage records one processed message and its latency.
func (r *Recorder) ObserveMessage(outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.messages.WithLabelValues(outcome).Inc()
	r.messageLatency.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordDirective records one directive apply outcome.
func (r *Recorder) RecordDirective(kind, outcome string) {
	if r == nil {
		return
	}
	r.directives.WithLabelValues(kind, outcome).Inc()
}

// RecordCacheOperation records one store operation.
func (r *Recorder) RecordCacheOperation(operation, outcome string) {
	if r == nil {
		return
	}
	r.cacheOperations.WithLabelValues(operation, outcome).Inc()
}

// RecordEviction counts one evicted entry.
func (r *Recorder) RecordEviction(reason string) {
	if r == nil {
		return
	}
	r.evictions.WithLabelValues(reason).Inc()
}

// RecordWarning counts one non-fatal warning by code.
func (r *Recorder) RecordWarning(code string) {
	if r == nil {
		return
	}
	r.warnings.WithLabelValues(code).Inc()
}

// ObserveEncode records one tokenizer encode round trip.
func (r *Recorder) ObserveEncode(duration time.Duration) {
	if r == nil {
		return
	}
	r.encodeLatency.Observe(duration.Seconds())
}

// SetActiveSessions tracks the session manager's population.
func (r *Recorder) SetActiveSessions(n int) {
	if r == nil {
		return
	}
	r.sessions.Set(float64(n))
}
