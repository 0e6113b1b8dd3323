package statemachine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phasorio/phasor/pkg/core"
)

// ErrorHandlerFunc resolves a node failure into a StateResult. Returning a
// nil result declines, letting the next handler in the chain run.
type ErrorHandlerFunc func(ctx context.Context, store *SharedStore, err error) (*StateResult, error)

// Config describes one state machine.
type Config struct {
	// ID identifies the machine instance. Defaults to a fresh UUID.
	ID string

	// InitialState is where a fresh machine starts. Required.
	InitialState string

	// ErrorState, when set, is the default transition target for node
	// failures no handler resolved.
	ErrorState string

	// Nodes maps each state name to its node. Required, non-empty.
	Nodes map[string]Node

	// MaxRetries and RetryDelay configure the store's phase retry policy.
	MaxRetries int
	RetryDelay func(attempt int) time.Duration

	// OnError is the machine-level error handler, consulted after the
	// failing node's own handler and before the ErrorState default.
	OnError ErrorHandlerFunc

	// Bus, when set, registers the machine for cross-machine routing, with
	// ParentID as its parent in the hierarchy.
	Bus      *EventBus
	ParentID string

	// Persistence, Observer and Logger are passed through to the store.
	Persistence PersistenceAdapter
	Observer    Observer
	Logger      core.Logger
}

// StateMachine drives one instance's nodes. Exactly one node executes at a
// time; Resume trampolines through successive transitions iteratively until
// the machine is waiting or terminal.
type StateMachine struct {
	cfg      Config
	id       string
	store    *SharedStore
	observer Observer
	logger   core.Logger

	mu          sync.Mutex
	initialized bool
}

// New validates the config and creates a machine.
func New(cfg Config) (*StateMachine, error) {
	if cfg.InitialState == "" {
		return nil, fmt.Errorf("statemachine: initial state is required")
	}
	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("statemachine: at least one node is required")
	}
	if _, ok := cfg.Nodes[cfg.InitialState]; !ok {
		return nil, fmt.Errorf("statemachine: initial state %q not found in nodes", cfg.InitialState)
	}
	if cfg.ErrorState != "" {
		if _, ok := cfg.Nodes[cfg.ErrorState]; !ok {
			return nil, fmt.Errorf("statemachine: error state %q not found in nodes", cfg.ErrorState)
		}
	}

	id := cfg.ID
	if id == "" {
		id = uuid.New().String()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	store := NewSharedStore(id,
		WithPersistence(cfg.Persistence),
		WithObserver(observer),
		WithLogger(logger),
		WithRetryPolicy(cfg.MaxRetries, cfg.RetryDelay),
	)

	return &StateMachine{
		cfg:      cfg,
		id:       id,
		store:    store,
		observer: observer,
		logger:   logger,
	}, nil
}

// ID returns the machine instance id.
func (m *StateMachine) ID() string {
	return m.id
}

// Store exposes the machine's shared store.
func (m *StateMachine) Store() *SharedStore {
	return m.store
}

// CurrentState returns the store's current state name.
func (m *StateMachine) CurrentState() string {
	return m.store.CurrentState()
}

// Initialize prepares the machine: restores a persisted snapshot when one
// exists, otherwise seeds the initial state and history, and registers the
// machine on the bus. It is idempotent; Resume calls it implicitly.
func (m *StateMachine) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initLocked(ctx)
}

func (m *StateMachine) initLocked(ctx context.Context) error {
	if m.initialized {
		return nil
	}

	restored := false
	if m.cfg.Persistence != nil {
		err := m.store.LoadState()
		switch {
		case err == nil:
			restored = true
			m.logger.Infof("machine %s: restored snapshot, state %q", m.id, m.store.CurrentState())
		case errors.Is(err, ErrSnapshotNotFound):
			m.logger.Debugf("machine %s: no prior snapshot", m.id)
		default:
			return err
		}
	}

	if !restored {
		m.store.SetCurrentState(m.cfg.InitialState)
		m.store.LogTransition(m.cfg.InitialState, nil)
		if err := m.store.Persist(); err != nil {
			return err
		}
	}

	if m.cfg.Bus != nil {
		if err := m.cfg.Bus.RegisterMachine(m.id, m.handleBusEvent, m.cfg.ParentID); err != nil {
			return err
		}
	}

	m.initialized = true
	return nil
}

// handleBusEvent delivers a routed event. When the machine is idle the event
// resumes it immediately. When the machine is mid-run (its own node emitted
// an event back at it, or a child it is synchronously driving notified it),
// resuming would re-enter the held mutex, so the event is parked in the
// pending queue instead and the active run (or the next Resume) picks it up.
func (m *StateMachine) handleBusEvent(ctx context.Context, event Event) error {
	if !m.mu.TryLock() {
		return m.store.EnqueueEvents([]Event{event})
	}
	defer m.mu.Unlock()
	_, err := m.resumeLocked(ctx, []Event{event})
	return err
}

// Resume enqueues the given events and runs the current state's node,
// following transitions until the machine is waiting or terminal. A terminal
// result carries the node's own actions plus any events still pending in the
// queue.
func (m *StateMachine) Resume(ctx context.Context, events []Event) (StateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resumeLocked(ctx, events)
}

func (m *StateMachine) resumeLocked(ctx context.Context, events []Event) (StateResult, error) {
	if err := m.initLocked(ctx); err != nil {
		return StateResult{}, err
	}

	span := m.observer.StartSpan("state_machine.resume")
	defer span.End()

	if err := m.store.EnqueueEvents(events); err != nil {
		span.SetStatus(err)
		return StateResult{}, err
	}

	state := m.store.CurrentState()
	if state == "" {
		state = m.cfg.InitialState
		m.store.SetCurrentState(state)
	}
	node, ok := m.cfg.Nodes[state]
	if !ok {
		err := &UnknownStateError{State: state}
		span.SetStatus(err)
		return StateResult{}, err
	}

	result, consumed, err := m.runNode(ctx, state, node)
	if err != nil {
		m.emitError(ctx, state, err)
		span.SetStatus(err)
		return StateResult{}, err
	}

	// Transition trampoline: iterate instead of recursing so an arbitrary
	// chain of synchronous transitions runs in constant stack space.
	for {
		switch result.Status {
		case StatusWaiting:
			m.emitSystem(ctx, EventMachineWaiting, state)
			if err := m.store.Persist(); err != nil {
				return StateResult{}, err
			}
			return result, nil

		case StatusTerminal:
			result.Actions = append(result.Actions, m.store.DequeueAllEvents()...)
			m.emitSystem(ctx, EventMachineTerminal, state)
			if err := m.store.Persist(); err != nil {
				return StateResult{}, err
			}
			return result, nil

		case StatusTransition:
			if len(result.Actions) > 0 {
				if err := m.store.EnqueueEvents(result.Actions); err != nil {
					return StateResult{}, err
				}
			}

			next, ok := m.cfg.Nodes[result.To]
			if !ok {
				unknown := &UnknownStateError{State: result.To}
				resolved, herr := m.resolveError(ctx, node, unknown)
				if herr != nil {
					span.SetStatus(herr)
					return StateResult{}, herr
				}
				if resolved == nil {
					m.emitError(ctx, state, unknown)
					span.SetStatus(unknown)
					return StateResult{}, unknown
				}
				// Feed the handler's result back through the same path.
				result = *resolved
				consumed = nil
				continue
			}

			from := state
			m.store.ClearScratchpad()
			m.store.SetCurrentState(result.To)
			m.store.LogTransition(result.To, consumed)

			attrs := map[string]interface{}{
				"from_state": from,
				"to_state":   result.To,
			}
			if len(consumed) > 0 {
				attrs["event_type"] = consumed[0].Type
				attrs["event_id"] = consumed[0].ID
			}
			span.AddEvent("state_transition", attrs)
			m.logger.Debugf("machine %s: %s -> %s", m.id, from, result.To)
			m.emitSystem(ctx, EventMachineStateChanged, result.To)
			if err := m.store.Persist(); err != nil {
				return StateResult{}, err
			}

			state = result.To
			node = next
			result, consumed, err = m.runNode(ctx, state, node)
			if err != nil {
				m.emitError(ctx, state, err)
				span.SetStatus(err)
				return StateResult{}, err
			}

		default:
			err := fmt.Errorf("statemachine: node for state %q returned invalid status %q", state, result.Status)
			span.SetStatus(err)
			return StateResult{}, err
		}
	}
}

// runNode executes one node's prep/exec/post, each phase under the store's
// retry policy and the whole run under a rollback. Failures go through the
// error fallback chain: node handler, machine handler, default transition to
// the configured error state. An unresolved failure is returned to the
// caller.
func (m *StateMachine) runNode(ctx context.Context, state string, node Node) (StateResult, []Event, error) {
	runSpan := m.observer.StartSpan("state_machine.run_node." + state)
	defer runSpan.End()

	var result StateResult
	var consumed []Event

	err := m.store.WithRollback(func() error {
		nodeSpan := m.observer.StartSpan("node.run." + state)
		defer nodeSpan.End()

		var prep PrepResult
		prepSpan := m.observer.StartSpan("node.prep." + state)
		err := m.store.Retry(func() error {
			var perr error
			prep, perr = node.Prep(ctx, m.store)
			return perr
		})
		prepSpan.SetStatus(err)
		prepSpan.End()
		if err != nil {
			nodeSpan.SetStatus(err)
			return &NodeExecutionError{State: state, Phase: "prep", Err: err}
		}
		consumed = prep.Events

		var exec ExecResult
		execSpan := m.observer.StartSpan("node.exec." + state)
		err = m.store.Retry(func() error {
			var xerr error
			exec, xerr = node.Exec(ctx, m.store, prep.Args, prep.Events, m.store.Scratchpad())
			return xerr
		})
		execSpan.SetStatus(err)
		execSpan.End()
		if err != nil {
			nodeSpan.SetStatus(err)
			return &NodeExecutionError{State: state, Phase: "exec", Err: err}
		}
		m.store.SetScratchpad(exec.Scratchpad)

		postSpan := m.observer.StartSpan("node.post." + state)
		err = m.store.Retry(func() error {
			var perr error
			result, perr = node.Post(ctx, m.store, exec.Result)
			return perr
		})
		postSpan.SetStatus(err)
		postSpan.End()
		if err != nil {
			nodeSpan.SetStatus(err)
			return &NodeExecutionError{State: state, Phase: "post", Err: err}
		}
		return nil
	})

	if err != nil {
		var triggering *Event
		if len(consumed) > 0 {
			triggering = &consumed[0]
		}
		m.observer.AddEvent("error_details", errorAttrs(state, triggering, err))
		m.logger.Warnf("machine %s: node for state %q failed: %v", m.id, state, err)

		resolved, herr := m.resolveError(ctx, node, err)
		if herr != nil {
			runSpan.SetStatus(herr)
			return StateResult{}, consumed, herr
		}
		if resolved == nil {
			runSpan.SetStatus(err)
			return StateResult{}, consumed, err
		}
		return *resolved, consumed, nil
	}
	return result, consumed, nil
}

// resolveError walks the fallback chain. A nil result with nil error means
// no handler applied.
func (m *StateMachine) resolveError(ctx context.Context, node Node, cause error) (*StateResult, error) {
	if handler, ok := node.(ErrorHandler); ok {
		resolved, err := handler.OnError(ctx, m.store, cause)
		if err != nil {
			return nil, err
		}
		if resolved != nil {
			return resolved, nil
		}
	}

	if m.cfg.OnError != nil {
		resolved, err := m.cfg.OnError(ctx, m.store, cause)
		if err != nil {
			return nil, err
		}
		if resolved != nil {
			return resolved, nil
		}
	}

	if m.cfg.ErrorState != "" {
		return &StateResult{Status: StatusTransition, To: m.cfg.ErrorState}, nil
	}
	return nil, nil
}

func (m *StateMachine) emitSystem(ctx context.Context, eventType, state string) {
	if m.cfg.Bus == nil {
		return
	}
	m.cfg.Bus.EmitSystemEvent(ctx, Event{
		ID:              uuid.New().String(),
		Type:            eventType,
		SourceMachineID: m.id,
		Payload:         map[string]interface{}{"state": state},
	})
}

func (m *StateMachine) emitError(ctx context.Context, state string, cause error) {
	if m.cfg.Bus == nil {
		return
	}
	m.cfg.Bus.EmitSystemEvent(ctx, Event{
		ID:              uuid.New().String(),
		Type:            EventMachineError,
		SourceMachineID: m.id,
		Payload: map[string]interface{}{
			"state": state,
			"error": cause.Error(),
		},
	})
}
