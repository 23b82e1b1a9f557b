package engine

import "fmt"

// StateError reports an operation attempted in the wrong engine state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s requires an idle engine (current state: %s)", e.Op, e.State)
}

// NewStateError builds a StateError for the operation.
func NewStateError(op string, state State) *StateError {
	return &StateError{Op: op, State: state}
}
