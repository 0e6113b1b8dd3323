package statemachine

import "context"

// PrepResult is what a node's prep phase hands to exec: the events it
// consumed plus any derived arguments.
type PrepResult struct {
	Events []Event
	Args   map[string]interface{}
}

// ExecResult is what a node's exec phase hands to post. Scratchpad replaces
// the store's scratchpad wholesale; return nil to clear it.
type ExecResult struct {
	Result     interface{}
	Scratchpad map[string]interface{}
}

// Node is a unit of work bound to one state name. The orchestrator runs the
// three phases in order, each wrapped in the store's retry policy, with the
// whole run wrapped in a rollback. Nodes needing custom error handling also
// implement ErrorHandler. "Initial", "final" and "error" states are ordinary
// nodes with trivial bodies, not special types.
type Node interface {
	// Prep pulls whatever input the node needs, typically pending events.
	Prep(ctx context.Context, store *SharedStore) (PrepResult, error)

	// Exec performs the node's computation. It receives a copy of the
	// current scratchpad and returns the replacement.
	Exec(ctx context.Context, store *SharedStore, args map[string]interface{}, events []Event, scratchpad map[string]interface{}) (ExecResult, error)

	// Post decides the node's verdict and composes any actions.
	Post(ctx context.Context, store *SharedStore, result interface{}) (StateResult, error)
}

// ErrorHandler lets a node resolve its own failures before the machine-level
// handler runs. Returning a nil result declines to handle the error.
type ErrorHandler interface {
	OnError(ctx context.Context, store *SharedStore, err error) (*StateResult, error)
}

// FuncNode assembles a Node from plain functions. Nil fields get defaults:
// prep dequeues all pending events, exec carries the events through as its
// result and keeps the scratchpad, post returns terminal.
type FuncNode struct {
	PrepFunc    func(ctx context.Context, store *SharedStore) (PrepResult, error)
	ExecFunc    func(ctx context.Context, store *SharedStore, args map[string]interface{}, events []Event, scratchpad map[string]interface{}) (ExecResult, error)
	PostFunc    func(ctx context.Context, store *SharedStore, result interface{}) (StateResult, error)
	OnErrorFunc func(ctx context.Context, store *SharedStore, err error) (*StateResult, error)
}

func (n *FuncNode) Prep(ctx context.Context, store *SharedStore) (PrepResult, error) {
	if n.PrepFunc != nil {
		return n.PrepFunc(ctx, store)
	}
	return PrepResult{Events: store.DequeueAllEvents()}, nil
}

func (n *FuncNode) Exec(ctx context.Context, store *SharedStore, args map[string]interface{}, events []Event, scratchpad map[string]interface{}) (ExecResult, error) {
	if n.ExecFunc != nil {
		return n.ExecFunc(ctx, store, args, events, scratchpad)
	}
	return ExecResult{Result: events, Scratchpad: scratchpad}, nil
}

func (n *FuncNode) Post(ctx context.Context, store *SharedStore, result interface{}) (StateResult, error) {
	if n.PostFunc != nil {
		return n.PostFunc(ctx, store, result)
	}
	return StateResult{Status: StatusTerminal}, nil
}

// OnError declines when no handler function is configured, which lets the
// machine-level fallback chain take over.
func (n *FuncNode) OnError(ctx context.Context, store *SharedStore, err error) (*StateResult, error) {
	if n.OnErrorFunc != nil {
		return n.OnErrorFunc(ctx, store, err)
	}
	return nil, nil
}

// TransitionTo is a convenience post function returning a transition.
func TransitionTo(state string, actions ...Event) func(ctx context.Context, store *SharedStore, result interface{}) (StateResult, error) {
	return func(ctx context.Context, store *SharedStore, result interface{}) (StateResult, error) {
		return StateResult{Status: StatusTransition, To: state, Actions: actions}, nil
	}
}

// Terminal is a convenience post function returning a terminal result.
func Terminal(actions ...Event) func(ctx context.Context, store *SharedStore, result interface{}) (StateResult, error) {
	return func(ctx context.Context, store *SharedStore, result interface{}) (StateResult, error) {
		return StateResult{Status: StatusTerminal, Actions: actions}, nil
	}
}
