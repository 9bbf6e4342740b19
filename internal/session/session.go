// internal/session/session.go
package session

import "fmt"

// State is a lobby's (or a sub-lobby scope's) lifecycle position.
//
// The graph only moves forward:
//
//	waiting → starting → in-progress → completed → closed
//	   ↑________↓
//
// Any non-terminal state can also move to aborted.
type State string

const (
	Waiting    State = "waiting"
	Starting   State = "starting"
	InProgress State = "in-progress"
	Completed  State = "completed"
	Closed     State = "closed"
	Aborted    State = "aborted"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == Closed || s == Aborted
}

// Started reports whether a session has begun, i.e. joins are no longer accepted.
func (s State) Started() bool {
	switch s {
	case InProgress, Completed, Closed, Aborted:
		return true
	}
	return false
}

// rank orders the forward path; aborted sits outside it.
func (s State) rank() int {
	switch s {
	case Waiting:
		return 0
	case Starting:
		return 1
	case InProgress:
		return 2
	case Completed:
		return 3
	case Closed:
		return 4
	}
	return -1
}

// Event is one of the typed triggers the machine understands.
type Event interface {
	isSessionEvent()
	Name() string
}

// AllReady fires when every member of a non-empty scope is ready.
type AllReady struct{}

// ReadyLost fires when a starting scope stops being unanimous (un-ready, a not-ready join, or a leave).
type ReadyLost struct{}

// CountdownElapsed fires when the ready countdown finishes with readiness still unanimous.
type CountdownElapsed struct{}

// AllSubmitted fires when every live participant has a score record.
type AllSubmitted struct{}

// ForceEnd is the operator's end-of-session signal.
type ForceEnd struct{}

// GraceExpired fires when the post-completion grace window elapses.
type GraceExpired struct{}

// Close is an explicit close request for a completed lobby.
type Close struct{}

// Cancel is the owning teacher's explicit cancellation.
type Cancel struct{}

// IdleTimeout fires when a waiting lobby stays empty past the idle timeout.
type IdleTimeout struct{}

func (AllReady) isSessionEvent()         {}
func (ReadyLost) isSessionEvent()        {}
func (CountdownElapsed) isSessionEvent() {}
func (AllSubmitted) isSessionEvent()     {}
func (ForceEnd) isSessionEvent()         {}
func (GraceExpired) isSessionEvent()     {}
func (Close) isSessionEvent()            {}
func (Cancel) isSessionEvent()           {}
func (IdleTimeout) isSessionEvent()      {}

func (AllReady) Name() string         { return "all_ready" }
func (ReadyLost) Name() string        { return "ready_lost" }
func (CountdownElapsed) Name() string { return "countdown_elapsed" }
func (AllSubmitted) Name() string     { return "all_submitted" }
func (ForceEnd) Name() string         { return "force_end" }
func (GraceExpired) Name() string     { return "grace_expired" }
func (Close) Name() string            { return "close" }
func (Cancel) Name() string           { return "cancel" }
func (IdleTimeout) Name() string      { return "idle_timeout" }

// InvalidTransitionError is returned when an event is not legal in the current state.
type InvalidTransitionError struct {
	From  State
	Event string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("event %q not allowed in state %q", e.Event, e.From)
}

// Transition returns the state reached by applying ev to from.
func Transition(from State, ev Event) (State, error) {
	invalid := &InvalidTransitionError{From: from, Event: ev.Name()}
	if from.Terminal() {
		return from, invalid
	}

	switch ev.(type) {
	case AllReady:
		if from == Waiting {
			return Starting, nil
		}
	case ReadyLost:
		if from == Starting {
			return Waiting, nil
		}
	case CountdownElapsed:
		if from == Starting {
			return InProgress, nil
		}
	case AllSubmitted, ForceEnd:
		if from == InProgress {
			return Completed, nil
		}
	case GraceExpired, Close:
		if from == Completed {
			return Closed, nil
		}
	case Cancel:
		return Aborted, nil
	case IdleTimeout:
		if from == Waiting {
			return Aborted, nil
		}
	}
	return from, invalid
}

// Forward reports whether moving from one state to another respects the graph:
// forward along the main path, into aborted from a non-terminal state, or the
// single allowed step back from starting to waiting.
func Forward(from, to State) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	if to == Aborted {
		return true
	}
	if from == Starting && to == Waiting {
		return true
	}
	return to.rank() > from.rank()
}

// Aggregate derives the lobby-wide pre-completion state from the phases of its
// scopes: in-progress once any scope runs, starting while any scope counts down,
// waiting otherwise.
func Aggregate(phases []State) State {
	out := Waiting
	for _, p := range phases {
		switch p {
		case InProgress:
			return InProgress
		case Starting:
			out = Starting
		}
	}
	return out
}
