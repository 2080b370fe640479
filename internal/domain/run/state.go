// Package run defines the Run aggregate, its state graph and the reducer
// that projects a run's event history into its current state.
package run

import (
	"errors"
	"fmt"

	"github.com/Strob0t/AgentPR/internal/domain/event"
)

// State is a run's position in the orchestration graph.
type State string

const (
	StateQueued     State = "QUEUED"
	StateExecuting  State = "EXECUTING"
	StatePushed     State = "PUSHED"
	StateCIWait     State = "CI_WAIT"
	StateReviewWait State = "REVIEW_WAIT"
	StateIterating  State = "ITERATING"
	StatePaused     State = "PAUSED"
	StateNeedsHuman State = "NEEDS_HUMAN"
	StateFailed     State = "FAILED"
	StateDone       State = "DONE"
)

// AllStates lists every state in graph order.
var AllStates = []State{
	StateQueued, StateExecuting, StatePushed, StateCIWait, StateReviewWait,
	StateIterating, StatePaused, StateNeedsHuman, StateFailed, StateDone,
}

var graph = map[State][]State{
	StateQueued:     {StateExecuting, StatePaused, StateNeedsHuman, StateFailed},
	StateExecuting:  {StatePushed, StatePaused, StateNeedsHuman, StateFailed},
	StatePushed:     {StateCIWait, StatePaused, StateNeedsHuman, StateFailed, StateDone},
	StateCIWait:     {StateReviewWait, StateIterating, StatePaused, StateNeedsHuman, StateFailed},
	StateReviewWait: {StateIterating, StatePaused, StateNeedsHuman, StateFailed, StateDone},
	StateIterating:  {StatePushed, StatePaused, StateNeedsHuman, StateFailed},
	StatePaused: {
		StateQueued, StateExecuting, StatePushed, StateCIWait, StateReviewWait,
		StateIterating, StateNeedsHuman, StateFailed,
	},
	StateNeedsHuman: {StateExecuting, StateIterating, StatePushed, StatePaused, StateFailed, StateDone},
	StateFailed:     nil,
	StateDone:       nil,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := graph[s]
	return ok
}

// Terminal reports whether s has no outgoing edges.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// RequiresValidation reports whether agent output produced in s must carry
// test evidence.
func (s State) RequiresValidation() bool {
	return s == StateExecuting || s == StateIterating
}

// ParseState validates a caller-supplied state name.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown state %q", s)
	}
	return st, nil
}

// CanTransition reports whether the edge from -> to exists.
func CanTransition(from, to State) bool {
	for _, s := range graph[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Next returns the states reachable from s.
func Next(s State) []State {
	out := make([]State, len(graph[s]))
	copy(out, graph[s])
	return out
}

// ErrIllegalTransition matches every *TransitionError.
var ErrIllegalTransition = errors.New("illegal transition")

// TransitionError reports an event that the graph does not permit in the
// run's current state. Attempted equals Current for events that carry no
// state change.
type TransitionError struct {
	Current   State
	Attempted State
	Event     event.Type
}

func (e *TransitionError) Error() string {
	if e.Current.Terminal() {
		return fmt.Sprintf("illegal transition: run is terminal in %s (attempted %s via %s)", e.Current, e.Attempted, e.Event)
	}
	return fmt.Sprintf("illegal transition: %s -> %s (%s)", e.Current, e.Attempted, e.Event)
}

// Is makes errors.Is(err, ErrIllegalTransition) match.
func (e *TransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// StaleStateError reports a caller expectation that no longer holds.
type StaleStateError struct {
	Expected State
	Current  State
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("stale state: expected %s, run is %s", e.Expected, e.Current)
}
