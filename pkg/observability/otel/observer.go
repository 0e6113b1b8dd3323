// Package otel adapts the engine's Observer contract onto OpenTelemetry
// tracing. Any backend with a trace.Tracer works; the engine itself depends
// only on the statemachine.Observer interface.
package otel

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/phasorio/phasor/pkg/statemachine"
)

// Observer emits engine spans and events through an OpenTelemetry tracer.
//
// Span parenting follows the engine's call nesting. Machine execution is
// single-threaded per instance, so the observer tracks the open-span stack
// itself; one Observer must not be shared between concurrently running
// machine instances.
type Observer struct {
	tracer trace.Tracer

	mu    sync.Mutex
	stack []stackEntry
}

type stackEntry struct {
	ctx  context.Context
	span trace.Span
}

// NewObserver wraps a tracer.
func NewObserver(tracer trace.Tracer) *Observer {
	return &Observer{tracer: tracer}
}

// StartSpan opens a span as a child of the innermost open span.
func (o *Observer) StartSpan(name string) statemachine.Span {
	o.mu.Lock()
	defer o.mu.Unlock()

	parent := context.Background()
	if len(o.stack) > 0 {
		parent = o.stack[len(o.stack)-1].ctx
	}
	ctx, span := o.tracer.Start(parent, name)
	o.stack = append(o.stack, stackEntry{ctx: ctx, span: span})
	return &otelSpan{observer: o, span: span}
}

// AddEvent records the event on the innermost open span, or as a throwaway
// span when none is open.
func (o *Observer) AddEvent(name string, attrs map[string]interface{}) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.stack) > 0 {
		o.stack[len(o.stack)-1].span.AddEvent(name, trace.WithAttributes(toAttributes(attrs)...))
		return
	}
	_, span := o.tracer.Start(context.Background(), name, trace.WithAttributes(toAttributes(attrs)...))
	span.End()
}

func (o *Observer) pop(span trace.Span) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i := len(o.stack) - 1; i >= 0; i-- {
		if o.stack[i].span == span {
			o.stack = append(o.stack[:i], o.stack[i+1:]...)
			return
		}
	}
}

type otelSpan struct {
	observer *Observer
	span     trace.Span
}

func (s *otelSpan) AddEvent(name string, attrs map[string]interface{}) {
	s.span.AddEvent(name, trace.WithAttributes(toAttributes(attrs)...))
}

func (s *otelSpan) SetStatus(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
}

func (s *otelSpan) End() {
	s.observer.pop(s.span)
	s.span.End()
}

func toAttributes(attrs map[string]interface{}) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for key, value := range attrs {
		switch v := value.(type) {
		case string:
			kvs = append(kvs, attribute.String(key, v))
		case int:
			kvs = append(kvs, attribute.Int(key, v))
		case int64:
			kvs = append(kvs, attribute.Int64(key, v))
		case float64:
			kvs = append(kvs, attribute.Float64(key, v))
		case bool:
			kvs = append(kvs, attribute.Bool(key, v))
		default:
			kvs = append(kvs, attribute.String(key, fmt.Sprintf("%v", v)))
		}
	}
	return kvs
}
