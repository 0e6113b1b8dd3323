package statemachine

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/phasorio/phasor/pkg/core"
)

// DefaultMaxRetries is the retry budget for each node phase.
const DefaultMaxRetries = 3

// DefaultRetryDelay waits one second per completed attempt.
func DefaultRetryDelay(attempt int) time.Duration {
	return time.Duration(attempt) * time.Second
}

// SharedStore owns one machine instance's context, scratchpad, pending-event
// queue and append-only history. Context is durable domain state mutated
// only through UpdateContext; the scratchpad is transient state scoped to
// the current state and cleared on every transition. Every read returns a
// deep copy, so callers can never alias the store's internals.
type SharedStore struct {
	instanceID string

	mu         sync.RWMutex
	state      string
	context    map[string]interface{}
	scratchpad map[string]interface{}
	pending    []Event
	history    []HistoryEntry

	adapter    PersistenceAdapter
	observer   Observer
	logger     core.Logger
	maxRetries int
	retryDelay func(attempt int) time.Duration
}

// StoreOption configures a SharedStore.
type StoreOption func(*SharedStore)

// WithPersistence sets the durability adapter.
func WithPersistence(adapter PersistenceAdapter) StoreOption {
	return func(s *SharedStore) {
		s.adapter = adapter
	}
}

// WithObserver sets the telemetry sink.
func WithObserver(observer Observer) StoreOption {
	return func(s *SharedStore) {
		s.observer = observer
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger core.Logger) StoreOption {
	return func(s *SharedStore) {
		s.logger = logger
	}
}

// WithRetryPolicy sets the phase retry budget and delay curve.
func WithRetryPolicy(maxAttempts int, delay func(attempt int) time.Duration) StoreOption {
	return func(s *SharedStore) {
		if maxAttempts > 0 {
			s.maxRetries = maxAttempts
		}
		if delay != nil {
			s.retryDelay = delay
		}
	}
}

// NewSharedStore creates an empty store for one machine instance.
func NewSharedStore(instanceID string, opts ...StoreOption) *SharedStore {
	s := &SharedStore{
		instanceID: instanceID,
		context:    make(map[string]interface{}),
		pending:    make([]Event, 0),
		history:    make([]HistoryEntry, 0),
		observer:   NopObserver{},
		logger:     core.NewDefaultLogger(),
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InstanceID returns the owning machine instance's id.
func (s *SharedStore) InstanceID() string {
	return s.instanceID
}

// Context returns a deep copy of the machine's context.
func (s *SharedStore) Context() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMap(s.context)
}

// UpdateContext replaces the context with f's return value. f receives a
// deep copy; mutations to its argument never leak into the store unless
// returned.
func (s *SharedStore) UpdateContext(f func(ctx map[string]interface{}) map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := f(copyMap(s.context))
	if next == nil {
		next = make(map[string]interface{})
	}
	s.context = copyMap(next)
}

// Scratchpad returns a deep copy of the scratchpad, or nil if absent.
func (s *SharedStore) Scratchpad() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.scratchpad == nil {
		return nil
	}
	return copyMap(s.scratchpad)
}

// SetScratchpad replaces the scratchpad. nil clears it.
func (s *SharedStore) SetScratchpad(v map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v == nil {
		s.scratchpad = nil
		return
	}
	s.scratchpad = copyMap(v)
}

// UpdateScratchpad replaces the scratchpad with f's return value.
func (s *SharedStore) UpdateScratchpad(f func(pad map[string]interface{}) map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var arg map[string]interface{}
	if s.scratchpad != nil {
		arg = copyMap(s.scratchpad)
	}
	next := f(arg)
	if next == nil {
		s.scratchpad = nil
		return
	}
	s.scratchpad = copyMap(next)
}

// ClearScratchpad drops the scratchpad. The orchestrator calls this on every
// transition, before the next node's prep runs.
func (s *SharedStore) ClearScratchpad() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scratchpad = nil
}

// EnqueueEvents appends deep copies of events to the pending queue, assigns
// ids to events that lack one, persists them through the adapter's event log
// and reports each to the observer.
func (s *SharedStore) EnqueueEvents(events []Event) error {
	if len(events) == 0 {
		return nil
	}

	span := s.observer.StartSpan("store.enqueue_events")
	defer span.End()

	copied := copyEvents(events)
	for i := range copied {
		if copied[i].ID == "" {
			copied[i].ID = uuid.New().String()
		}
	}

	s.mu.Lock()
	s.pending = append(s.pending, copied...)
	state := s.currentStateLocked()
	s.mu.Unlock()

	for _, event := range copied {
		span.AddEvent("event_processed", map[string]interface{}{
			"event_type":    event.Type,
			"event_id":      event.ID,
			"current_state": state,
		})
	}

	if s.adapter != nil {
		if err := s.adapter.WriteEvents(s.instanceID, copied); err != nil {
			span.SetStatus(err)
			return err
		}
	}
	return nil
}

// PendingEvents returns a copy of the queue, oldest first.
func (s *SharedStore) PendingEvents() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyEvents(s.pending)
}

// DequeueEvent consumes and returns the oldest pending event.
func (s *SharedStore) DequeueEvent() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return Event{}, false
	}
	event := s.pending[0]
	s.pending = s.pending[1:]
	return event, true
}

// DequeueEventsOfType consumes every pending event of the given type,
// preserving the relative order of the rest.
func (s *SharedStore) DequeueEventsOfType(eventType string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []Event
	remaining := s.pending[:0]
	for _, event := range s.pending {
		if event.Type == eventType {
			matched = append(matched, event)
		} else {
			remaining = append(remaining, event)
		}
	}
	s.pending = remaining
	return matched
}

// DequeueAllEvents consumes and returns the whole queue.
func (s *SharedStore) DequeueAllEvents() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.pending
	s.pending = make([]Event, 0)
	return events
}

// ProcessEvents consumes the events with the given ids. The call is
// all-or-nothing: if any id is not pending, it fails with
// InvalidEventIDsError and nothing is consumed.
func (s *SharedStore) ProcessEvents(ids []string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := make(map[string]int, len(s.pending))
	for i, event := range s.pending {
		byID[event.ID] = i
	}

	var missing []string
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, &InvalidEventIDsError{IDs: missing}
	}

	requested := make(map[string]bool, len(ids))
	for _, id := range ids {
		requested[id] = true
	}

	var consumed []Event
	remaining := s.pending[:0]
	for _, event := range s.pending {
		if requested[event.ID] {
			consumed = append(consumed, event)
		} else {
			remaining = append(remaining, event)
		}
	}
	s.pending = remaining
	return consumed, nil
}

// RemoveEvents discards pending events matching the given events' ids.
// Unknown ids are ignored.
func (s *SharedStore) RemoveEvents(events []Event) {
	if len(events) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]bool, len(events))
	for _, event := range events {
		drop[event.ID] = true
	}

	remaining := s.pending[:0]
	for _, event := range s.pending {
		if !drop[event.ID] {
			remaining = append(remaining, event)
		}
	}
	s.pending = remaining
}

// EventsOfType returns copies of pending events of the given type without
// consuming them.
func (s *SharedStore) EventsOfType(eventType string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Event
	for _, event := range s.pending {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return copyEvents(matched)
}

// CurrentState returns the explicitly set state, falling back to the last
// history entry's state when never set.
func (s *SharedStore) CurrentState() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentStateLocked()
}

func (s *SharedStore) currentStateLocked() string {
	if s.state != "" {
		return s.state
	}
	if len(s.history) > 0 {
		return s.history[len(s.history)-1].State
	}
	return ""
}

// SetCurrentState records the current state name.
func (s *SharedStore) SetCurrentState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// LogTransition appends one history entry capturing the current context and
// scratchpad plus the given events.
func (s *SharedStore) LogTransition(state string, events []Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := HistoryEntry{
		State:     state,
		Context:   copyMap(s.context),
		Events:    copyEvents(events),
		Timestamp: time.Now(),
	}
	if s.scratchpad != nil {
		entry.Scratchpad = copyMap(s.scratchpad)
	}
	s.history = append(s.history, entry)
}

// History returns a copy of the execution trace.
func (s *SharedStore) History() []HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := make([]HistoryEntry, len(s.history))
	copy(history, s.history)
	return history
}

// WithRollback snapshots context, scratchpad and pending events before
// calling op. On success the mutated state stands; on failure all three are
// restored and the error is returned. State that existed before op started
// survives either way; only op's own mutations roll back.
func (s *SharedStore) WithRollback(op func() error) error {
	span := s.observer.StartSpan("store.with_rollback")
	defer span.End()

	s.mu.RLock()
	savedContext := copyMap(s.context)
	var savedScratchpad map[string]interface{}
	if s.scratchpad != nil {
		savedScratchpad = copyMap(s.scratchpad)
	}
	savedPending := copyEvents(s.pending)
	s.mu.RUnlock()

	if err := op(); err != nil {
		s.mu.Lock()
		s.context = savedContext
		s.scratchpad = savedScratchpad
		s.pending = savedPending
		s.mu.Unlock()

		span.AddEvent("rollback_executed", map[string]interface{}{"error": err.Error()})
		span.SetStatus(err)
		s.logger.Warnf("store %s: rolled back after error: %v", s.instanceID, err)
		return err
	}
	return nil
}

// Retry runs op under the store's configured retry policy.
func (s *SharedStore) Retry(op func() error) error {
	return s.RetryN(op, s.maxRetries, s.retryDelay)
}

// RetryN calls op up to maxAttempts times, waiting delay(attempt) between
// failures, and returns the last error once the budget is exhausted.
// Intermediate failures are swallowed; only the final one surfaces.
func (s *SharedStore) RetryN(op func() error, maxAttempts int, delay func(attempt int) time.Duration) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if delay == nil {
		delay = DefaultRetryDelay
	}

	policy := &attemptBackOff{delay: delay}
	attempt := 0
	var lastErr error

	wrapped := func() error {
		attempt++
		policy.attempt = attempt
		s.observer.AddEvent("retry_attempt", map[string]interface{}{"attempt": attempt})

		if err := op(); err != nil {
			lastErr = err
			s.observer.AddEvent("retry_failed", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			})
			s.logger.Debugf("store %s: attempt %d failed: %v", s.instanceID, attempt, err)
			return err
		}
		return nil
	}

	err := backoff.Retry(wrapped, backoff.WithMaxRetries(policy, uint64(maxAttempts-1)))
	if err != nil {
		s.observer.AddEvent("max_retries_reached", map[string]interface{}{
			"attempts": attempt,
			"error":    lastErr.Error(),
		})
		return lastErr
	}
	return nil
}

// attemptBackOff waits delay(attempt) after the attempt'th failure.
type attemptBackOff struct {
	attempt int
	delay   func(attempt int) time.Duration
}

func (b *attemptBackOff) NextBackOff() time.Duration {
	return b.delay(b.attempt)
}

func (b *attemptBackOff) Reset() {
	b.attempt = 0
}

// AllState returns the complete persistable snapshot.
func (s *SharedStore) AllState() AllState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := AllState{
		Context:       copyMap(s.context),
		PendingEvents: copyEvents(s.pending),
		History:       make([]HistoryEntry, len(s.history)),
	}
	copy(state.History, s.history)
	if s.scratchpad != nil {
		state.Scratchpad = copyMap(s.scratchpad)
	}
	return state
}

// SetAllState replaces the store's state with the given snapshot.
func (s *SharedStore) SetAllState(state AllState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.context = copyMap(state.Context)
	if state.Scratchpad != nil {
		s.scratchpad = copyMap(state.Scratchpad)
	} else {
		s.scratchpad = nil
	}
	s.pending = copyEvents(state.PendingEvents)
	s.history = make([]HistoryEntry, len(state.History))
	copy(s.history, state.History)
}

// LoadState restores the snapshot for this instance from the adapter. The
// adapter must return a structurally complete AllState.
func (s *SharedStore) LoadState() error {
	if s.adapter == nil {
		return &PersistenceError{Op: "read", InstanceID: s.instanceID, Err: ErrSnapshotNotFound}
	}

	state, err := s.adapter.Read(s.instanceID)
	if err != nil {
		return err
	}
	s.SetAllState(state)
	return nil
}

// Persist writes the full snapshot through the adapter. A nil adapter is a
// no-op.
func (s *SharedStore) Persist() error {
	if s.adapter == nil {
		return nil
	}
	return s.adapter.Write(s.instanceID, s.AllState())
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return make(map[string]interface{})
	}
	copied := make(map[string]interface{}, len(m))
	if err := deepCopy(m, &copied); err != nil {
		// Engine state is JSON-serializable by contract; a failure here is a
		// programming error in the caller's payloads.
		panic(err)
	}
	return copied
}

func copyEvents(events []Event) []Event {
	copied := make([]Event, 0, len(events))
	if len(events) == 0 {
		return copied
	}
	if err := deepCopy(events, &copied); err != nil {
		panic(err)
	}
	return copied
}
