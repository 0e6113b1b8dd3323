// Package prometheus exposes the engine's telemetry as Prometheus metrics.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/phasorio/phasor/pkg/statemachine"
)

// Observer counts engine point events and times spans. It implements
// statemachine.Observer and can be combined with a tracing observer through
// statemachine.NewMultiObserver.
type Observer struct {
	// EventsTotal counts every named engine event (state_transition,
	// event_processed, retry_attempt, retry_failed, max_retries_reached,
	// rollback_executed, error_details).
	EventsTotal *prometheus.CounterVec

	// TransitionsTotal counts transitions by edge.
	TransitionsTotal *prometheus.CounterVec

	// SpanDurationSeconds times engine spans by name.
	SpanDurationSeconds *prometheus.HistogramVec

	// SpanErrorsTotal counts failed spans by name.
	SpanErrorsTotal *prometheus.CounterVec
}

// NewObserver registers the metrics with the given registerer.
func NewObserver(registerer prometheus.Registerer) *Observer {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Observer{
		EventsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "phasor_engine_events_total",
				Help: "Total number of engine point events",
			},
			[]string{"event"},
		),
		TransitionsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "phasor_state_transitions_total",
				Help: "Total number of state transitions",
			},
			[]string{"from_state", "to_state"},
		),
		SpanDurationSeconds: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "phasor_span_duration_seconds",
				Help:    "Duration of engine spans in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"span"},
		),
		SpanErrorsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "phasor_span_errors_total",
				Help: "Total number of failed engine spans",
			},
			[]string{"span"},
		),
	}
}

// StartSpan starts timing a span.
func (o *Observer) StartSpan(name string) statemachine.Span {
	return &metricSpan{
		observer: o,
		name:     name,
		timer:    prometheus.NewTimer(o.SpanDurationSeconds.WithLabelValues(name)),
	}
}

// AddEvent counts the event.
func (o *Observer) AddEvent(name string, attrs map[string]interface{}) {
	o.count(name, attrs)
}

func (o *Observer) count(name string, attrs map[string]interface{}) {
	o.EventsTotal.WithLabelValues(name).Inc()
	if name == "state_transition" {
		from, _ := attrs["from_state"].(string)
		to, _ := attrs["to_state"].(string)
		o.TransitionsTotal.WithLabelValues(from, to).Inc()
	}
}

type metricSpan struct {
	observer *Observer
	name     string
	timer    *prometheus.Timer
	failed   bool
}

func (s *metricSpan) AddEvent(name string, attrs map[string]interface{}) {
	s.observer.count(name, attrs)
}

func (s *metricSpan) SetStatus(err error) {
	if err != nil {
		s.failed = true
	}
}

func (s *metricSpan) End() {
	s.timer.ObserveDuration()
	if s.failed {
		s.observer.SpanErrorsTotal.WithLabelValues(s.name).Inc()
	}
}
