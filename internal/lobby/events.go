package lobby

import (
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/classlobby/internal/models"
	"github.com/jason-s-yu/classlobby/internal/session"
)

// Event types published on a lobby's channel.
const (
	EventStateChanged       = "state_changed"
	EventParticipantJoined  = "participant_joined"
	EventParticipantLeft    = "participant_left"
	EventReadyUpdate        = "ready_update"
	EventCountdownStarted   = "countdown_started"
	EventCountdownCancelled = "countdown_cancelled"
	EventSessionStarted     = "session_started"
	EventScoreSubmitted     = "score_submitted"
	EventLeaderboardUpdate  = "leaderboard_update"
	EventSessionCompleted   = "session_completed"
	EventLobbyClosed        = "lobby_closed"
	EventLobbyAborted       = "lobby_aborted"
)

// Leave reasons carried by participant_left.
const (
	ReasonLeft              = "left"
	ReasonMoved             = "joined_other_lobby"
	ReasonDisconnectTimeout = "disconnect_timeout"
)

type stateChangedPayload struct {
	From session.State `json:"from"`
	To   session.State `json:"to"`
}

type participantPayload struct {
	models.Participant
	Rejoin bool `json:"rejoin,omitempty"`
}

type participantLeftPayload struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
	SubLobby    int       `json:"sub_lobby"`
	Reason      string    `json:"reason"`
}

type readyPayload struct {
	UserID   uuid.UUID `json:"user_id"`
	SubLobby int       `json:"sub_lobby"`
	Ready    bool      `json:"ready"`
	AllReady bool      `json:"all_ready"`
}

type countdownPayload struct {
	SubLobby int     `json:"sub_lobby"`
	Seconds  float64 `json:"seconds,omitempty"`
}

type sessionStartedPayload struct {
	SubLobby  int       `json:"sub_lobby"`
	StartedAt time.Time `json:"started_at"`
}

type leaderboardPayload struct {
	Entries []models.LeaderboardEntry `json:"entries"`
}

type completedPayload struct {
	Reason  string                    `json:"reason"`
	Entries []models.LeaderboardEntry `json:"entries"`
}

type terminalPayload struct {
	State    session.State `json:"state"`
	Reason   string        `json:"reason"`
	ClosedAt time.Time     `json:"closed_at"`
}
