package session

import "fmt"

// State is the lifecycle state of a session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateEnsuring      State = "ensuring"
	StateIdle          State = "idle"
	StateRunning       State = "running"
	StateCancelling    State = "cancelling"
	StateClosing       State = "closing"
	StateClosed        State = "closed"
	StateErrored       State = "errored"
)

// transitions lists the legal moves out of each state. Closing is reachable
// from every non-terminal state and is handled in canTransition.
var transitions = map[State][]State{
	StateUninitialized: {StateEnsuring},
	StateEnsuring:      {StateIdle, StateErrored},
	StateIdle:          {StateRunning, StateEnsuring, StateErrored},
	StateRunning:       {StateIdle, StateCancelling, StateErrored},
	StateCancelling:    {StateIdle, StateErrored},
	StateErrored:       {StateEnsuring},
	StateClosing:       {StateClosed},
}

func canTransition(from, to State) bool {
	if to == StateClosing {
		return from != StateClosing && from != StateClosed
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateClosed }

type transitionError struct {
	from, to State
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.from, e.to)
}
