package model

import "fmt"

type State string

const (
	StatePending          State = "pending"
	StateAwaitingApproval State = "awaiting_approval"
	StateInProgress       State = "in_progress"
	StateSucceeded        State = "succeeded"
	StateFailed           State = "failed"
	StateRolledBack       State = "rolled_back"
	StateCancelled        State = "cancelled"
)

var terminalStates = map[State]bool{
	StateSucceeded:  true,
	StateFailed:     true,
	StateRolledBack: true,
	StateCancelled:  true,
}

// Command state transitions: pending → in_progress → terminal,
// awaiting_approval parks a risk-gated command until resubmission with approval,
// cancelled only from the non-running entry states.
var validTransitions = map[State]map[State]bool{
	StatePending: {
		StateInProgress:       true,
		StateAwaitingApproval: true,
		StateCancelled:        true,
	},
	StateAwaitingApproval: {
		StateInProgress: true,
		StateCancelled:  true,
	},
	StateInProgress: {
		StateSucceeded:  true,
		StateFailed:     true,
		StateRolledBack: true,
	},
}

// IsTerminal reports whether no further transitions may occur from s.
func IsTerminal(s State) bool {
	return terminalStates[s]
}

// IsSuccess reports whether s satisfies another command's dependency edge.
func IsSuccess(s State) bool {
	return s == StateSucceeded
}

func ValidateTransition(from, to State) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal state %q", from)
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid state transition: %q -> %q", from, to)
	}
	return nil
}
