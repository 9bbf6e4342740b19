package lobby

import (
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/classlobby/internal/broadcast"
	"github.com/jason-s-yu/classlobby/internal/models"
	"github.com/jason-s-yu/classlobby/internal/session"
)

// ScopeView summarises the primary room (index 0) or one sub-lobby.
type ScopeView struct {
	Index   int           `json:"index"`
	Phase   session.State `json:"phase"`
	Members int           `json:"members"`
	Ready   int           `json:"ready"`
}

// View is an immutable snapshot of a lobby. A new View is swapped in after
// every mutation, so readers never wait on the lobby's lock.
type View struct {
	ID            int64                     `json:"id"`
	Code          string                    `json:"code"`
	Name          string                    `json:"name"`
	GameType      models.GameType           `json:"game_type"`
	OwnerID       uuid.UUID                 `json:"owner_id"`
	State         session.State             `json:"state"`
	Capacity      int                       `json:"capacity"`
	MaxSubLobbies int                       `json:"max_sub_lobbies"`
	CreatedAt     time.Time                 `json:"created_at"`
	ClosedAt      *time.Time                `json:"closed_at,omitempty"`
	Seq           uint64                    `json:"seq"`
	Scopes        []ScopeView               `json:"scopes"`
	Participants  []models.Participant      `json:"participants"`
	Leaderboard   []models.LeaderboardEntry `json:"leaderboard"`
}

// WatchFor returns the broadcast scope userID is entitled to observe.
func (v *View) WatchFor(userID uuid.UUID) int {
	if userID == v.OwnerID {
		return broadcast.WatchAll
	}
	for _, p := range v.Participants {
		if p.UserID == userID {
			return p.SubLobby
		}
	}
	return broadcast.WatchLobby
}

// Participant looks up one member in the snapshot.
func (v *View) Participant(userID uuid.UUID) (models.Participant, bool) {
	for _, p := range v.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return models.Participant{}, false
}

// For narrows the snapshot to what a subscriber watching watch may see:
// members of other sub-lobbies are hidden.
func (v *View) For(watch int) *View {
	if watch == broadcast.WatchAll {
		return v
	}
	out := *v
	out.Participants = make([]models.Participant, 0, len(v.Participants))
	for _, p := range v.Participants {
		if p.SubLobby == watch {
			out.Participants = append(out.Participants, p)
		}
	}
	return &out
}
