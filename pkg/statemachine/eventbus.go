package statemachine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/phasorio/phasor/pkg/core"
)

// BusHandler receives routed events. Handlers for one Emit run concurrently;
// an error or panic in one never prevents the others from running.
type BusHandler func(ctx context.Context, event Event) error

// EventBus routes events between machine instances arranged in a hierarchy.
// It is explicitly constructed per top-level run; there is no process-wide
// default. Registrations form a tree through a flat childID -> parentID map,
// and unregistering an id cascades to all of its descendants.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string]BusHandler
	parents  map[string]string
	subs     map[int]*busSubscription
	nextSub  int
	logger   core.Logger
}

type busSubscription struct {
	pattern string
	handler BusHandler
}

// BusOption configures an EventBus.
type BusOption func(*EventBus)

// WithBusLogger sets the bus logger.
func WithBusLogger(logger core.Logger) BusOption {
	return func(b *EventBus) {
		b.logger = logger
	}
}

// NewEventBus creates an empty bus.
func NewEventBus(opts ...BusOption) *EventBus {
	b := &EventBus{
		handlers: make(map[string]BusHandler),
		parents:  make(map[string]string),
		subs:     make(map[int]*busSubscription),
		logger:   core.NewDefaultLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterMachine adds a machine's handler to the directory. parentID may be
// empty for root machines.
func (b *EventBus) RegisterMachine(id string, handler BusHandler, parentID string) error {
	if id == "" {
		return fmt.Errorf("eventbus: machine id is required")
	}
	if handler == nil {
		return fmt.Errorf("eventbus: handler is required for machine %q", id)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[id]; exists {
		return fmt.Errorf("eventbus: machine %q already registered", id)
	}
	b.handlers[id] = handler
	if parentID != "" {
		b.parents[id] = parentID
	}
	return nil
}

// LinkParent records childID's place in the hierarchy without a handler.
// Events targeted at the child while it has no registered handler bubble to
// parentID, so a coordinator can claim events arriving before its child
// starts or after it stops. RegisterMachine later binds the handler and
// keeps the link.
func (b *EventBus) LinkParent(childID, parentID string) error {
	if childID == "" || parentID == "" {
		return fmt.Errorf("eventbus: child and parent ids are required")
	}
	if childID == parentID {
		return fmt.Errorf("eventbus: machine %q cannot be its own parent", childID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.parents[childID] = parentID
	return nil
}

// UnregisterMachine removes a machine and, depth-first, every machine whose
// parent chain includes it.
func (b *EventBus) UnregisterMachine(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unregisterLocked(id)
}

func (b *EventBus) unregisterLocked(id string) {
	var children []string
	for child, parent := range b.parents {
		if parent == id {
			children = append(children, child)
		}
	}
	for _, child := range children {
		b.unregisterLocked(child)
	}
	delete(b.handlers, id)
	delete(b.parents, id)
}

// Subscribe registers a pattern handler and returns its unsubscribe func.
// A pattern is an exact machine id, "*" for everything, or "<prefix>.*" for
// any id under the prefix.
func (b *EventBus) Subscribe(pattern string, handler BusHandler) func() {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = &busSubscription{pattern: pattern, handler: handler}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Emit routes an event. With a target machine id it delivers to that
// machine's handler and to every matching pattern subscriber; when the
// target has no handler and the event is a plain (non-system, non-routed)
// one, it bubbles to the target's registered parent. Without a target it
// broadcasts to pattern subscribers matching the source id. All matched
// handlers run concurrently and Emit waits for them all.
func (b *EventBus) Emit(ctx context.Context, event Event) {
	if event.TargetMachineID == "" {
		b.dispatch(ctx, event, b.matchingSubscribers(event.SourceMachineID))
		return
	}

	target := event.TargetMachineID

	b.mu.RLock()
	handler, registered := b.handlers[target]
	parent, hasParent := b.parents[target]
	b.mu.RUnlock()

	if !registered && !IsSystemEvent(event.Type) && !strings.Contains(target, ".") && hasParent {
		// Bubble to the registered parent instead.
		bubbled := event
		bubbled.SourceMachineID = target
		bubbled.TargetMachineID = parent
		b.Emit(ctx, bubbled)
		return
	}

	handlers := b.matchingSubscribers(target)
	if registered {
		handlers = append(handlers, handler)
	}
	b.dispatch(ctx, event, handlers)
}

// EmitSystemEvent delivers a machine lifecycle notification to the emitting
// machine's registered parent, never to its siblings. Events from machines
// without a parent are dropped.
func (b *EventBus) EmitSystemEvent(ctx context.Context, event Event) {
	b.mu.RLock()
	parent, ok := b.parents[event.SourceMachineID]
	b.mu.RUnlock()

	if !ok {
		b.logger.Debugf("eventbus: dropping system event %s from root machine %q", event.Type, event.SourceMachineID)
		return
	}

	event.TargetMachineID = parent
	b.Emit(ctx, event)
}

// MachineIDPath returns the dotted ancestor chain from the root down to id,
// for diagnostics.
func (b *EventBus) MachineIDPath(id string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	path := []string{id}
	seen := map[string]bool{id: true}
	for {
		parent, ok := b.parents[path[0]]
		if !ok || seen[parent] {
			break
		}
		seen[parent] = true
		path = append([]string{parent}, path...)
	}
	return strings.Join(path, ".")
}

func (b *EventBus) matchingSubscribers(id string) []BusHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var handlers []BusHandler
	for _, sub := range b.subs {
		if matchPattern(sub.pattern, id) {
			handlers = append(handlers, sub.handler)
		}
	}
	return handlers
}

// dispatch runs all handlers concurrently and waits for them. Errors and
// panics are isolated per handler: logged, never propagated.
func (b *EventBus) dispatch(ctx context.Context, event Event, handlers []BusHandler) {
	if len(handlers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, handler := range handlers {
		wg.Add(1)
		go func(h BusHandler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Errorf("eventbus: handler panicked on %s event: %v", event.Type, r)
				}
			}()
			if err := h(ctx, event); err != nil {
				b.logger.Errorf("eventbus: handler failed on %s event: %v", event.Type, err)
			}
		}(handler)
	}
	wg.Wait()
}

// matchPattern reports whether a subscription pattern matches a machine id.
func matchPattern(pattern, id string) bool {
	if id == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(id, prefix+".")
	}
	return pattern == id
}
