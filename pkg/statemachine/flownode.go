package statemachine

import (
	"context"

	"github.com/google/uuid"
)

// ActionWaitingForInput is the informational action a FlowNode synthesizes
// when a nested machine suspends without producing any action of its own,
// so the parent workflow never stalls silently.
const ActionWaitingForInput = "WAITING_FOR_INPUT"

// TranslateFunc rewrites events crossing a FlowNode boundary for one child.
type TranslateFunc func(events []Event, childID string) []Event

// ChildMachine names one nested machine inside a FlowNode.
type ChildMachine struct {
	ID      string
	Machine *StateMachine
}

// FlowNode embeds one or more nested state machines as a single node of a
// parent machine. Each invocation consumes the parent's pending events,
// translates them for each child, drives the child's Resume, translates the
// child's actions back, and maps the nested result onto the parent's own
// StateResult: all children terminal becomes a transition to NextState, any
// child waiting becomes waiting.
type FlowNode struct {
	// NextState is the parent state entered once every child is terminal.
	NextState string

	// Children are the nested machines, driven in order.
	Children []ChildMachine

	// TranslateEvents rewrites parent events for a child. Defaults to
	// pass-through.
	TranslateEvents TranslateFunc

	// TranslateActions rewrites a child's actions for the parent. Defaults
	// to pass-through. A waiting child with zero translated actions always
	// gets exactly one synthesized ActionWaitingForInput action.
	TranslateActions TranslateFunc
}

// NewFlowNode wraps a single nested machine.
func NewFlowNode(nextState string, child *StateMachine) *FlowNode {
	return &FlowNode{
		NextState: nextState,
		Children:  []ChildMachine{{ID: child.ID(), Machine: child}},
	}
}

// FilterByTarget is a TranslateEvents policy for fan-out coordinators: it
// keeps only events tagged for the child (or untagged ones) and clears the
// tag on the way through.
func FilterByTarget(events []Event, childID string) []Event {
	var filtered []Event
	for _, event := range events {
		if event.TargetMachineID == "" || event.TargetMachineID == childID {
			event.TargetMachineID = ""
			filtered = append(filtered, event)
		}
	}
	return filtered
}

type flowExecResult struct {
	results map[string]StateResult
	actions []Event
}

// Prep consumes all of the parent's pending events.
func (n *FlowNode) Prep(ctx context.Context, store *SharedStore) (PrepResult, error) {
	return PrepResult{Events: store.DequeueAllEvents()}, nil
}

// Exec drives each child machine with the translated events and collects
// the translated (or synthesized) actions.
func (n *FlowNode) Exec(ctx context.Context, store *SharedStore, args map[string]interface{}, events []Event, scratchpad map[string]interface{}) (ExecResult, error) {
	out := &flowExecResult{results: make(map[string]StateResult, len(n.Children))}

	for _, child := range n.Children {
		childEvents := events
		if n.TranslateEvents != nil {
			childEvents = n.TranslateEvents(events, child.ID)
		}

		result, err := child.Machine.Resume(ctx, childEvents)
		if err != nil {
			return ExecResult{}, err
		}

		actions := result.Actions
		if n.TranslateActions != nil {
			actions = n.TranslateActions(actions, child.ID)
		}
		if result.Status == StatusWaiting && len(actions) == 0 {
			actions = []Event{{
				ID:              uuid.New().String(),
				Type:            ActionWaitingForInput,
				SourceMachineID: child.ID,
				Payload:         map[string]interface{}{"machineId": child.ID},
			}}
		}

		out.results[child.ID] = result
		out.actions = append(out.actions, actions...)
	}

	return ExecResult{Result: out, Scratchpad: scratchpad}, nil
}

// Post maps the nested results onto the parent's StateResult. Children are
// inspected in declaration order: any waiting child suspends the parent, an
// unexpected status passes through from the first child carrying one, and
// once every child is terminal the parent transitions to NextState.
func (n *FlowNode) Post(ctx context.Context, store *SharedStore, result interface{}) (StateResult, error) {
	out := result.(*flowExecResult)

	waiting := false
	var passThrough *StateResult
	for _, child := range n.Children {
		childResult, ok := out.results[child.ID]
		if !ok {
			continue
		}
		switch childResult.Status {
		case StatusTerminal:
		case StatusWaiting:
			waiting = true
		default:
			if passThrough == nil {
				r := childResult
				passThrough = &r
			}
		}
	}

	if waiting {
		return StateResult{Status: StatusWaiting, Actions: out.actions}, nil
	}
	if passThrough != nil {
		return StateResult{Status: passThrough.Status, To: passThrough.To, Actions: out.actions}, nil
	}
	return StateResult{Status: StatusTransition, To: n.NextState, Actions: out.actions}, nil
}
