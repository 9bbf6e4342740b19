package lobby

import (
	"fmt"

	"github.com/jason-s-yu/classlobby/internal/session"
)

// ValidationError reports malformed input. It is never worth retrying.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown lobby or participant.
type NotFoundError struct {
	Kind string // "lobby" or "participant"
	Ref  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Ref)
}

// InvalidStateError reports an action that the lobby's lifecycle state does not allow.
type InvalidStateError struct {
	Action string
	State  session.State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s while lobby is %s", e.Action, e.State)
}

// LobbyFullError is returned when the primary room and every sub-lobby are at the ceiling.
type LobbyFullError struct {
	Occupancy int
	Limit     int
}

func (e *LobbyFullError) Error() string {
	return fmt.Sprintf("lobby is full (%d/%d)", e.Occupancy, e.Limit)
}

// ForbiddenError reports an action reserved for the owning teacher.
type ForbiddenError struct {
	Action string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("only the lobby owner may %s", e.Action)
}
