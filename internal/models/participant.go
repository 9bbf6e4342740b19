package models

import (
	"time"

	"github.com/google/uuid"
)

// PrimaryRoom is the sub-lobby token of participants who fit under the lobby's ceiling.
const PrimaryRoom = 0

// Participant is a user's membership in one lobby. LobbyID is a lookup key into
// the registry, never a handle used to mutate the lobby.
type Participant struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
	LobbyID     int64     `json:"lobby_id"`
	Ready       bool      `json:"ready"`
	SubLobby    int       `json:"sub_lobby"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Role is the identity provider's role claim.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Identity is the pre-authenticated actor behind every inbound action.
type Identity struct {
	UserID      uuid.UUID `json:"user_id"`
	Role        Role      `json:"role"`
	DisplayName string    `json:"display_name"`
}
