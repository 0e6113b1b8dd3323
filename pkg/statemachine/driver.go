package statemachine

import (
	"context"
	"fmt"
)

// ActionFunc performs the side effect an action asks for and returns the
// response events for the next Resume call.
type ActionFunc func(ctx context.Context, action Event) ([]Event, error)

// RunDriver runs the external driver loop: initialize once, resume with no
// events, then while the machine is waiting perform each returned action and
// feed the responses back. It returns the terminal result.
//
// A waiting machine whose actions produce no response events would spin
// forever, so that is reported as an error instead.
func RunDriver(ctx context.Context, m *StateMachine, handle ActionFunc) (StateResult, error) {
	if err := m.Initialize(ctx); err != nil {
		return StateResult{}, err
	}

	var events []Event
	for {
		result, err := m.Resume(ctx, events)
		if err != nil {
			return StateResult{}, err
		}
		if result.Status == StatusTerminal {
			return result, nil
		}

		var responses []Event
		for _, action := range result.Actions {
			resp, err := handle(ctx, action)
			if err != nil {
				return StateResult{}, err
			}
			responses = append(responses, resp...)
		}
		if len(responses) == 0 {
			return StateResult{}, fmt.Errorf("statemachine: driver produced no response events while machine %s is waiting in state %q", m.ID(), m.CurrentState())
		}
		events = responses
	}
}
