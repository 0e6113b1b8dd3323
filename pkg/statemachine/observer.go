package statemachine

import (
	"fmt"

	"github.com/phasorio/phasor/pkg/core"
)

// Observer receives the engine's structured telemetry: spans around each
// lifecycle stage and named point events with attributes. Implementations
// must be cheap; the engine calls them on every node run.
//
// Span names: node.run.<state>, node.prep.<state>, node.exec.<state>,
// node.post.<state>, state_machine.resume, state_machine.run_node.<state>,
// store.with_rollback, store.enqueue_events.
//
// Point events: state_transition, event_processed, retry_attempt,
// retry_failed, max_retries_reached, rollback_executed, error_details.
type Observer interface {
	// StartSpan opens a span. The caller must End it.
	StartSpan(name string) Span

	// AddEvent records a named point event against the active span, or as a
	// bare event if no span is open.
	AddEvent(name string, attrs map[string]interface{})
}

// Span is one timed unit of work.
type Span interface {
	// AddEvent records a named point event on this span.
	AddEvent(name string, attrs map[string]interface{})

	// SetStatus marks the span failed when err is non-nil.
	SetStatus(err error)

	// End closes the span.
	End()
}

// NopObserver discards all telemetry. It is the default.
type NopObserver struct{}

func (NopObserver) StartSpan(name string) Span                         { return nopSpan{} }
func (NopObserver) AddEvent(name string, attrs map[string]interface{}) {}

type nopSpan struct{}

func (nopSpan) AddEvent(name string, attrs map[string]interface{}) {}
func (nopSpan) SetStatus(err error)                                {}
func (nopSpan) End()                                               {}

// LoggingObserver writes spans and events to a Logger.
type LoggingObserver struct {
	Logger core.Logger
}

// NewLoggingObserver creates an observer logging at debug level.
func NewLoggingObserver(logger core.Logger) *LoggingObserver {
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) StartSpan(name string) Span {
	o.Logger.Debugf("span start: %s", name)
	return &loggingSpan{name: name, logger: o.Logger}
}

func (o *LoggingObserver) AddEvent(name string, attrs map[string]interface{}) {
	o.Logger.Debugf("event: %s %v", name, attrs)
}

type loggingSpan struct {
	name   string
	logger core.Logger
	failed bool
}

func (s *loggingSpan) AddEvent(name string, attrs map[string]interface{}) {
	s.logger.Debugf("event: %s %v (span %s)", name, attrs, s.name)
}

func (s *loggingSpan) SetStatus(err error) {
	if err != nil {
		s.failed = true
		s.logger.Warnf("span %s failed: %v", s.name, err)
	}
}

func (s *loggingSpan) End() {
	s.logger.Debugf("span end: %s (failed=%v)", s.name, s.failed)
}

// MultiObserver fans telemetry out to several observers.
type MultiObserver struct {
	observers []Observer
}

// NewMultiObserver combines observers into one.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	return &MultiObserver{observers: observers}
}

func (o *MultiObserver) StartSpan(name string) Span {
	spans := make([]Span, len(o.observers))
	for i, obs := range o.observers {
		spans[i] = obs.StartSpan(name)
	}
	return multiSpan(spans)
}

func (o *MultiObserver) AddEvent(name string, attrs map[string]interface{}) {
	for _, obs := range o.observers {
		obs.AddEvent(name, attrs)
	}
}

type multiSpan []Span

func (s multiSpan) AddEvent(name string, attrs map[string]interface{}) {
	for _, span := range s {
		span.AddEvent(name, attrs)
	}
}

func (s multiSpan) SetStatus(err error) {
	for _, span := range s {
		span.SetStatus(err)
	}
}

func (s multiSpan) End() {
	for _, span := range s {
		span.End()
	}
}

// errorAttrs builds the error_details attribute set.
func errorAttrs(state string, triggering *Event, err error) map[string]interface{} {
	attrs := map[string]interface{}{
		"state":         state,
		"error_name":    fmt.Sprintf("%T", err),
		"error_message": err.Error(),
	}
	if triggering != nil {
		attrs["event_type"] = triggering.Type
		attrs["event_id"] = triggering.ID
	}
	return attrs
}
