package models

import "fmt"

var allowedTransitions = map[State][]State{
	StateReceived:           {StateAIAnalyzed},
	StateAIAnalyzed:         {StateWaitingForApproval, StateAIFailed, StateRejected},
	StateWaitingForApproval: {StateActionExecuted, StateActionFailed, StateRejected},
}

// CanTransition reports whether from -> to is an edge of the workflow state machine.
func CanTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateActionExecuted, StateActionFailed, StateRejected, StateAIFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateReceived, StateAIAnalyzed, StateWaitingForApproval,
		StateActionExecuted, StateActionFailed, StateRejected, StateAIFailed:
		return true
	}
	return false
}

// InvalidTransitionError is returned when a change would leave the state machine.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// ValidateTransition returns an *InvalidTransitionError if from -> to is not allowed.
func ValidateTransition(from, to State) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// ValidatePath checks that a sequence of transitions starts at RECEIVED,
// follows the table and never revisits a state.
func ValidatePath(steps []TransitionData) error {
	seen := map[State]bool{}
	current := StateReceived
	seen[current] = true
	for i, step := range steps {
		if step.From != current {
			return fmt.Errorf("step %d: expected from %s, got %s", i, current, step.From)
		}
		if err := ValidateTransition(step.From, step.To); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if seen[step.To] {
			return fmt.Errorf("step %d: state %s revisited", i, step.To)
		}
		seen[step.To] = true
		current = step.To
	}
	return nil
}
