package statemachine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/phasorio/phasor/pkg/core"
)

// eventRecorder is a BusHandler that collects what it receives.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) received() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func newTestBus() *EventBus {
	return NewEventBus(WithBusLogger(core.NewNopLogger()))
}

func TestRegisterMachineValidation(t *testing.T) {
	bus := newTestBus()
	rec := &eventRecorder{}

	if err := bus.RegisterMachine("", rec.handle, ""); err == nil {
		t.Error("expected error for empty id")
	}
	if err := bus.RegisterMachine("a", nil, ""); err == nil {
		t.Error("expected error for nil handler")
	}
	if err := bus.RegisterMachine("a", rec.handle, ""); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := bus.RegisterMachine("a", rec.handle, ""); err == nil {
		t.Error("expected error for duplicate id")
	}
}

func TestEmitToTarget(t *testing.T) {
	bus := newTestBus()
	a := &eventRecorder{}
	b := &eventRecorder{}
	if err := bus.RegisterMachine("a", a.handle, ""); err != nil {
		t.Fatal(err)
	}
	if err := bus.RegisterMachine("b", b.handle, ""); err != nil {
		t.Fatal(err)
	}

	bus.Emit(context.Background(), Event{Type: "PING", TargetMachineID: "a"})

	if got := a.received(); len(got) != 1 || got[0].Type != "PING" {
		t.Errorf("expected a to receive PING, got %+v", got)
	}
	if got := b.received(); len(got) != 0 {
		t.Errorf("expected b to receive nothing, got %+v", got)
	}
}

func TestPatternSubscriptions(t *testing.T) {
	bus := newTestBus()
	exact := &eventRecorder{}
	wild := &eventRecorder{}
	prefix := &eventRecorder{}

	bus.Subscribe("order.worker", exact.handle)
	bus.Subscribe("*", wild.handle)
	bus.Subscribe("order.*", prefix.handle)

	ctx := context.Background()
	bus.Emit(ctx, Event{Type: "DONE", SourceMachineID: "order.worker"})
	bus.Emit(ctx, Event{Type: "DONE", SourceMachineID: "billing"})

	if got := exact.received(); len(got) != 1 {
		t.Errorf("exact pattern: expected 1 event, got %d", len(got))
	}
	if got := wild.received(); len(got) != 2 {
		t.Errorf("wildcard pattern: expected 2 events, got %d", len(got))
	}
	if got := prefix.received(); len(got) != 1 {
		t.Errorf("prefix pattern: expected 1 event, got %d", len(got))
	}
}

func TestPrefixPatternRequiresSeparator(t *testing.T) {
	// "order.*" must not match the bare id "order" or "orderly".
	cases := []struct {
		pattern, id string
		want        bool
	}{
		{"order.*", "order.worker", true},
		{"order.*", "order.worker.retry", true},
		{"order.*", "order", false},
		{"order.*", "orderly", false},
		{"*", "anything", true},
		{"*", "", false},
		{"order", "order", true},
	}
	for _, tc := range cases {
		if got := matchPattern(tc.pattern, tc.id); got != tc.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tc.pattern, tc.id, got, tc.want)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestBus()
	rec := &eventRecorder{}
	cancel := bus.Subscribe("*", rec.handle)

	ctx := context.Background()
	bus.Emit(ctx, Event{Type: "ONE", SourceMachineID: "a"})
	cancel()
	bus.Emit(ctx, Event{Type: "TWO", SourceMachineID: "a"})

	if got := rec.received(); len(got) != 1 || got[0].Type != "ONE" {
		t.Errorf("expected only ONE after unsubscribe, got %+v", got)
	}
}

func TestBubbleToParent(t *testing.T) {
	bus := newTestBus()
	parent := &eventRecorder{}
	if err := bus.RegisterMachine("parent", parent.handle, ""); err != nil {
		t.Fatal(err)
	}
	// child is linked into the tree but has not started yet.
	if err := bus.LinkParent("child", "parent"); err != nil {
		t.Fatal(err)
	}

	bus.Emit(context.Background(), Event{Type: "ORPHANED", TargetMachineID: "child"})

	got := parent.received()
	if len(got) != 1 {
		t.Fatalf("expected bubbled event at parent, got %+v", got)
	}
	if got[0].SourceMachineID != "child" || got[0].TargetMachineID != "parent" {
		t.Errorf("expected source rewritten to child and target to parent, got %+v", got[0])
	}
}

func TestBubbleStopsOnceChildRegisters(t *testing.T) {
	bus := newTestBus()
	parent := &eventRecorder{}
	child := &eventRecorder{}
	if err := bus.RegisterMachine("parent", parent.handle, ""); err != nil {
		t.Fatal(err)
	}
	if err := bus.LinkParent("child", "parent"); err != nil {
		t.Fatal(err)
	}
	// Binding the handler keeps the pre-established link.
	if err := bus.RegisterMachine("child", child.handle, ""); err != nil {
		t.Fatal(err)
	}

	bus.Emit(context.Background(), Event{Type: "DIRECT", TargetMachineID: "child"})

	if got := child.received(); len(got) != 1 || got[0].Type != "DIRECT" {
		t.Fatalf("expected direct delivery to the child, got %+v", got)
	}
	if got := parent.received(); len(got) != 0 {
		t.Errorf("registered child must not bubble, parent got %+v", got)
	}
	if got := bus.MachineIDPath("child"); got != "parent.child" {
		t.Errorf("expected link kept through registration, got %q", got)
	}
}

func TestLinkParentValidation(t *testing.T) {
	bus := newTestBus()
	if err := bus.LinkParent("", "parent"); err == nil {
		t.Error("expected error for empty child id")
	}
	if err := bus.LinkParent("child", ""); err == nil {
		t.Error("expected error for empty parent id")
	}
	if err := bus.LinkParent("child", "child"); err == nil {
		t.Error("expected error for self link")
	}
}

func TestSystemEventsNeverBubble(t *testing.T) {
	bus := newTestBus()
	parent := &eventRecorder{}
	if err := bus.RegisterMachine("parent", parent.handle, ""); err != nil {
		t.Fatal(err)
	}
	if err := bus.LinkParent("child", "parent"); err != nil {
		t.Fatal(err)
	}

	bus.Emit(context.Background(), Event{Type: EventMachineTerminal, TargetMachineID: "child"})

	if got := parent.received(); len(got) != 0 {
		t.Errorf("system event must not bubble, parent got %+v", got)
	}
}

func TestEmitSystemEventGoesToParentOnly(t *testing.T) {
	bus := newTestBus()
	parent := &eventRecorder{}
	sibling := &eventRecorder{}
	if err := bus.RegisterMachine("parent", parent.handle, ""); err != nil {
		t.Fatal(err)
	}
	if err := bus.RegisterMachine("child", (&eventRecorder{}).handle, "parent"); err != nil {
		t.Fatal(err)
	}
	if err := bus.RegisterMachine("sibling", sibling.handle, "parent"); err != nil {
		t.Fatal(err)
	}

	bus.EmitSystemEvent(context.Background(), Event{
		Type:            EventMachineStateChanged,
		SourceMachineID: "child",
	})

	if got := parent.received(); len(got) != 1 || got[0].Type != EventMachineStateChanged {
		t.Errorf("expected parent to receive the system event, got %+v", got)
	}
	if got := sibling.received(); len(got) != 0 {
		t.Errorf("sibling must not receive system events, got %+v", got)
	}
}

func TestEmitSystemEventFromRootIsDropped(t *testing.T) {
	bus := newTestBus()
	root := &eventRecorder{}
	if err := bus.RegisterMachine("root", root.handle, ""); err != nil {
		t.Fatal(err)
	}

	// Must not panic or loop; just dropped.
	bus.EmitSystemEvent(context.Background(), Event{
		Type:            EventMachineTerminal,
		SourceMachineID: "root",
	})

	if got := root.received(); len(got) != 0 {
		t.Errorf("root must not receive its own system event, got %+v", got)
	}
}

func TestUnregisterCascades(t *testing.T) {
	bus := newTestBus()
	for _, reg := range []struct{ id, parent string }{
		{"root", ""},
		{"mid", "root"},
		{"leaf", "mid"},
		{"other", "root"},
	} {
		if err := bus.RegisterMachine(reg.id, (&eventRecorder{}).handle, reg.parent); err != nil {
			t.Fatal(err)
		}
	}

	bus.UnregisterMachine("mid")

	bus.mu.RLock()
	defer bus.mu.RUnlock()
	for _, id := range []string{"mid", "leaf"} {
		if _, ok := bus.handlers[id]; ok {
			t.Errorf("expected %q unregistered", id)
		}
	}
	for _, id := range []string{"root", "other"} {
		if _, ok := bus.handlers[id]; !ok {
			t.Errorf("expected %q still registered", id)
		}
	}
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	bus := newTestBus()
	healthy := &eventRecorder{}
	bus.Subscribe("*", func(ctx context.Context, event Event) error {
		return errors.New("handler error")
	})
	bus.Subscribe("*", func(ctx context.Context, event Event) error {
		panic("handler panic")
	})
	bus.Subscribe("*", healthy.handle)

	bus.Emit(context.Background(), Event{Type: "PING", SourceMachineID: "a"})

	if got := healthy.received(); len(got) != 1 {
		t.Errorf("expected healthy handler to run despite failures, got %+v", got)
	}
}

func TestMachineIDPath(t *testing.T) {
	bus := newTestBus()
	for _, reg := range []struct{ id, parent string }{
		{"root", ""},
		{"mid", "root"},
		{"leaf", "mid"},
	} {
		if err := bus.RegisterMachine(reg.id, (&eventRecorder{}).handle, reg.parent); err != nil {
			t.Fatal(err)
		}
	}

	if got := bus.MachineIDPath("leaf"); got != "root.mid.leaf" {
		t.Errorf("expected root.mid.leaf, got %q", got)
	}
	if got := bus.MachineIDPath("root"); got != "root" {
		t.Errorf("expected root, got %q", got)
	}
	if got := bus.MachineIDPath("unknown"); got != "unknown" {
		t.Errorf("expected bare id for unknown machine, got %q", got)
	}
}
