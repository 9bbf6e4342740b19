package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		ev      Event
		want    State
		wantErr bool
	}{
		{"ready starts countdown", Waiting, AllReady{}, Starting, false},
		{"unready cancels countdown", Starting, ReadyLost{}, Waiting, false},
		{"countdown commits", Starting, CountdownElapsed{}, InProgress, false},
		{"all submitted completes", InProgress, AllSubmitted{}, Completed, false},
		{"operator end completes", InProgress, ForceEnd{}, Completed, false},
		{"grace closes", Completed, GraceExpired{}, Closed, false},
		{"explicit close", Completed, Close{}, Closed, false},
		{"cancel from waiting", Waiting, Cancel{}, Aborted, false},
		{"cancel from in-progress", InProgress, Cancel{}, Aborted, false},
		{"idle timeout from waiting", Waiting, IdleTimeout{}, Aborted, false},

		{"idle timeout while running", InProgress, IdleTimeout{}, InProgress, true},
		{"countdown without starting", Waiting, CountdownElapsed{}, Waiting, true},
		{"ready while running", InProgress, AllReady{}, InProgress, true},
		{"submitted before start", Waiting, AllSubmitted{}, Waiting, true},
		{"close before completion", InProgress, Close{}, InProgress, true},
		{"nothing leaves closed", Closed, Cancel{}, Closed, true},
		{"nothing leaves aborted", Aborted, AllReady{}, Aborted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transition(tt.from, tt.ev)
			if tt.wantErr {
				var ite *InvalidTransitionError
				require.ErrorAs(t, err, &ite)
				assert.Equal(t, tt.from, ite.From)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

// Every successful transition must satisfy Forward.
func TestTransitionsAreForward(t *testing.T) {
	states := []State{Waiting, Starting, InProgress, Completed, Closed, Aborted}
	events := []Event{
		AllReady{}, ReadyLost{}, CountdownElapsed{}, AllSubmitted{}, ForceEnd{},
		GraceExpired{}, Close{}, Cancel{}, IdleTimeout{},
	}
	for _, s := range states {
		for _, ev := range events {
			to, err := Transition(s, ev)
			if err != nil {
				continue
			}
			assert.Truef(t, Forward(s, to), "%s --%s--> %s is not forward", s, ev.Name(), to)
		}
	}
}

func TestForward(t *testing.T) {
	assert.True(t, Forward(Waiting, InProgress))
	assert.True(t, Forward(Starting, Waiting))
	assert.True(t, Forward(Completed, Aborted))
	assert.False(t, Forward(InProgress, Waiting))
	assert.False(t, Forward(Completed, Starting))
	assert.False(t, Forward(Aborted, Closed))
}

func TestAggregate(t *testing.T) {
	assert.Equal(t, Waiting, Aggregate(nil))
	assert.Equal(t, Waiting, Aggregate([]State{Waiting, Waiting}))
	assert.Equal(t, Starting, Aggregate([]State{Waiting, Starting}))
	assert.Equal(t, InProgress, Aggregate([]State{Starting, InProgress, Waiting}))
}

func TestStateHelpers(t *testing.T) {
	assert.True(t, Closed.Terminal())
	assert.True(t, Aborted.Terminal())
	assert.False(t, Completed.Terminal())

	assert.False(t, Starting.Started())
	assert.True(t, InProgress.Started())
	assert.True(t, Completed.Started())
}
