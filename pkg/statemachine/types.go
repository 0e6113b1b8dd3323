// Package statemachine provides a hierarchical state-machine runtime for
// long-lived, suspendable workflows.
//
// A machine owns a map of state names to Nodes. Each Node runs a
// prep/exec/post lifecycle against the machine's SharedStore and yields a
// StateResult: transition to another state, wait for external events, or
// terminate. Machines can be composed: a FlowNode embeds one or more nested
// machines as a single node of its parent, and an EventBus routes events
// between independently running machine instances arranged in a hierarchy.
//
// Example usage:
//
//	m, _ := statemachine.New(statemachine.Config{
//	    ID:           "greeter",
//	    InitialState: "start",
//	    Nodes: map[string]statemachine.Node{
//	        "start": &statemachine.FuncNode{
//	            PostFunc: func(ctx context.Context, store *statemachine.SharedStore, result interface{}) (statemachine.StateResult, error) {
//	                return statemachine.StateResult{Status: statemachine.StatusTransition, To: "end"}, nil
//	            },
//	        },
//	        "end": &statemachine.FuncNode{},
//	    },
//	})
//	result, _ := m.Resume(ctx, []statemachine.Event{{Type: "INPUT"}})
package statemachine

import (
	"fmt"
	"strings"
	"time"
)

// Event is a typed message routed through a machine's pending queue or
// across the EventBus. An Action is an Event a node's post phase wants
// delivered; the two are structurally identical.
type Event struct {
	ID              string      `json:"id"`
	Type            string      `json:"type"`
	Payload         interface{} `json:"payload,omitempty"`
	SourceMachineID string      `json:"sourceMachineId,omitempty"`
	TargetMachineID string      `json:"targetMachineId,omitempty"`
}

// Action is an Event emitted by a node's post phase.
type Action = Event

// System event types emitted by machines to their registered parent.
const (
	EventMachineStateChanged = "MACHINE_STATE_CHANGED"
	EventMachineWaiting      = "MACHINE_WAITING"
	EventMachineTerminal     = "MACHINE_TERMINAL"
	EventMachineError        = "MACHINE_ERROR"
)

// IsSystemEvent reports whether the event type is a machine lifecycle
// notification rather than a domain event.
func IsSystemEvent(eventType string) bool {
	switch eventType {
	case EventMachineStateChanged, EventMachineWaiting, EventMachineTerminal, EventMachineError:
		return true
	}
	return false
}

// Status discriminates a StateResult.
type Status string

const (
	// StatusWaiting suspends the machine until the next Resume call.
	StatusWaiting Status = "waiting"
	// StatusTerminal ends the machine's run.
	StatusTerminal Status = "terminal"
	// StatusTransition moves the machine to the state named in To.
	StatusTransition Status = "transition"
)

// StateResult is a node's verdict. Exactly one interpretation applies,
// selected by Status; To is meaningful only for StatusTransition.
type StateResult struct {
	Status  Status  `json:"status"`
	To      string  `json:"to,omitempty"`
	Actions []Event `json:"actions,omitempty"`
}

// HistoryEntry records one state entry with snapshots of the machine's
// context and scratchpad plus the events that drove it there. Entries are
// append-only and never mutated after insertion.
type HistoryEntry struct {
	State      string                 `json:"state"`
	Context    map[string]interface{} `json:"context"`
	Scratchpad map[string]interface{} `json:"scratchpad,omitempty"`
	Events     []Event                `json:"events,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// AllState is the complete externally persistable snapshot of one machine
// instance. It round-trips through a PersistenceAdapter.
type AllState struct {
	Context       map[string]interface{} `json:"context"`
	Scratchpad    map[string]interface{} `json:"scratchpad,omitempty"`
	PendingEvents []Event                `json:"pendingEvents"`
	History       []HistoryEntry         `json:"history"`
}

// UnknownStateError reports a state name with no registered node.
type UnknownStateError struct {
	State string
}

func (e *UnknownStateError) Error() string {
	return fmt.Sprintf("statemachine: no node registered for state %q", e.State)
}

// InvalidEventIDsError reports a ProcessEvents call naming ids that are not
// in the pending queue. The call is all-or-nothing; none of the requested
// events were consumed.
type InvalidEventIDsError struct {
	IDs []string
}

func (e *InvalidEventIDsError) Error() string {
	return fmt.Sprintf("statemachine: pending queue has no events with ids [%s]", strings.Join(e.IDs, ", "))
}

// NodeExecutionError wraps an error thrown by a node phase.
type NodeExecutionError struct {
	State string
	Phase string
	Err   error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("statemachine: node for state %q failed in %s: %v", e.State, e.Phase, e.Err)
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Err
}

// PersistenceError wraps an adapter read/write failure. The engine does not
// handle it specially; it propagates to the caller.
type PersistenceError struct {
	Op         string
	InstanceID string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("statemachine: persistence %s for instance %q failed: %v", e.Op, e.InstanceID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
