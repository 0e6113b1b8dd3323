package statemachine

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// recordingObserver captures span names and point events for assertions.
type recordingObserver struct {
	mu     sync.Mutex
	spans  []string
	events []recordedEvent
}

type recordedEvent struct {
	name  string
	attrs map[string]interface{}
}

func (o *recordingObserver) StartSpan(name string) Span {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.spans = append(o.spans, name)
	return &recordingSpan{observer: o}
}

func (o *recordingObserver) AddEvent(name string, attrs map[string]interface{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, recordedEvent{name: name, attrs: attrs})
}

func (o *recordingObserver) spanNames() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.spans...)
}

func (o *recordingObserver) eventsNamed(name string) []recordedEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []recordedEvent
	for _, event := range o.events {
		if event.name == name {
			out = append(out, event)
		}
	}
	return out
}

type recordingSpan struct {
	observer *recordingObserver
}

func (s *recordingSpan) AddEvent(name string, attrs map[string]interface{}) {
	s.observer.AddEvent(name, attrs)
}

func (s *recordingSpan) SetStatus(err error) {}
func (s *recordingSpan) End()                {}

func TestObserverSpanNames(t *testing.T) {
	obs := &recordingObserver{}
	m := newTestMachine(t, Config{
		InitialState: "start",
		Observer:     obs,
		Nodes: map[string]Node{
			"start": passNode("end"),
			"end":   endNode(),
		},
	})

	if _, err := m.Resume(context.Background(), []Event{{Type: "GO"}}); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	want := []string{
		"state_machine.resume",
		"store.enqueue_events",
		"state_machine.run_node.start",
		"node.run.start",
		"node.prep.start",
		"node.exec.start",
		"node.post.start",
		"state_machine.run_node.end",
		"node.run.end",
	}
	got := obs.spanNames()
	for _, name := range want {
		if !containsString(got, name) {
			t.Errorf("expected span %q, got %v", name, got)
		}
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func TestObserverTransitionEvent(t *testing.T) {
	obs := &recordingObserver{}
	m := newTestMachine(t, Config{
		InitialState: "start",
		Observer:     obs,
		Nodes: map[string]Node{
			"start": &FuncNode{PostFunc: TransitionTo("end")},
			"end":   endNode(),
		},
	})

	if _, err := m.Resume(context.Background(), []Event{{ID: "ev-1", Type: "GO"}}); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	transitions := obs.eventsNamed("state_transition")
	if len(transitions) != 1 {
		t.Fatalf("expected one state_transition event, got %d", len(transitions))
	}
	attrs := transitions[0].attrs
	if attrs["from_state"] != "start" || attrs["to_state"] != "end" {
		t.Errorf("unexpected transition attrs: %v", attrs)
	}
	if attrs["event_type"] != "GO" || attrs["event_id"] != "ev-1" {
		t.Errorf("expected triggering event recorded, got %v", attrs)
	}
}

func TestObserverEventProcessed(t *testing.T) {
	obs := &recordingObserver{}
	store := newTestStore(WithObserver(obs))

	if err := store.EnqueueEvents([]Event{{Type: "A"}, {Type: "B"}}); err != nil {
		t.Fatal(err)
	}

	processed := obs.eventsNamed("event_processed")
	if len(processed) != 2 {
		t.Fatalf("expected 2 event_processed events, got %d", len(processed))
	}
	if processed[0].attrs["event_type"] != "A" || processed[1].attrs["event_type"] != "B" {
		t.Errorf("unexpected attrs: %v", processed)
	}
}

func TestObserverRetryEvents(t *testing.T) {
	obs := &recordingObserver{}
	store := newTestStore(WithObserver(obs), WithRetryPolicy(3, noDelay))

	err := store.Retry(func() error { return errors.New("always") })
	if err == nil {
		t.Fatal("expected failure")
	}

	if got := len(obs.eventsNamed("retry_attempt")); got != 3 {
		t.Errorf("expected 3 retry_attempt events, got %d", got)
	}
	if got := len(obs.eventsNamed("retry_failed")); got != 3 {
		t.Errorf("expected 3 retry_failed events, got %d", got)
	}
	if got := len(obs.eventsNamed("max_retries_reached")); got != 1 {
		t.Errorf("expected 1 max_retries_reached event, got %d", got)
	}
}

func TestObserverRollbackEvent(t *testing.T) {
	obs := &recordingObserver{}
	store := newTestStore(WithObserver(obs))

	_ = store.WithRollback(func() error { return errors.New("fail") })

	if got := len(obs.eventsNamed("rollback_executed")); got != 1 {
		t.Errorf("expected 1 rollback_executed event, got %d", got)
	}
}

func TestObserverErrorDetails(t *testing.T) {
	obs := &recordingObserver{}
	m := newTestMachine(t, Config{
		InitialState: "broken",
		MaxRetries:   1,
		Observer:     obs,
		Nodes: map[string]Node{
			"broken": &FuncNode{
				ExecFunc: func(ctx context.Context, store *SharedStore, args map[string]interface{}, events []Event, scratchpad map[string]interface{}) (ExecResult, error) {
					return ExecResult{}, errors.New("exec blew up")
				},
			},
		},
	})

	_, err := m.Resume(context.Background(), nil)
	if err == nil {
		t.Fatal("expected failure")
	}

	details := obs.eventsNamed("error_details")
	if len(details) == 0 {
		t.Fatal("expected error_details event")
	}
	attrs := details[0].attrs
	if attrs["state"] != "broken" {
		t.Errorf("expected state attribute, got %v", attrs)
	}
	if attrs["error_message"] == nil || attrs["error_name"] == nil {
		t.Errorf("expected error name and message, got %v", attrs)
	}
}

func TestMultiObserverFansOut(t *testing.T) {
	first := &recordingObserver{}
	second := &recordingObserver{}
	multi := NewMultiObserver(first, second)

	span := multi.StartSpan("work")
	span.AddEvent("step", map[string]interface{}{"n": 1})
	span.End()
	multi.AddEvent("loose", nil)

	for _, obs := range []*recordingObserver{first, second} {
		if !containsString(obs.spanNames(), "work") {
			t.Errorf("expected span on both observers, got %v", obs.spanNames())
		}
		if len(obs.eventsNamed("step")) != 1 || len(obs.eventsNamed("loose")) != 1 {
			t.Errorf("expected events fanned out, got %+v", obs.events)
		}
	}
}
