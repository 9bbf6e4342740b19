// internal/models/lobby.go
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/classlobby/internal/session"
)

// GameType is one of the fixed set of activities a lobby can host.
type GameType string

const (
	PicturePuzzle   GameType = "picture-puzzle"
	PictureMatching GameType = "picture-matching"
	ArrangeTimeline GameType = "arrange-timeline"
	ExplainImage    GameType = "explain-image"
	FillBlanks      GameType = "fill-blanks"
	TamaAngAyos     GameType = "tama-ang-ayos"
	TrueOrFalse     GameType = "true-or-false"
)

// GameTypes lists every supported game type in display order.
var GameTypes = []GameType{
	PicturePuzzle,
	PictureMatching,
	ArrangeTimeline,
	ExplainImage,
	FillBlanks,
	TamaAngAyos,
	TrueOrFalse,
}

// Valid reports whether g is a supported game type.
func (g GameType) Valid() bool {
	for _, gt := range GameTypes {
		if gt == g {
			return true
		}
	}
	return false
}

// TimeScored reports whether completion time is meaningful for g.
// Only these activities are raced against the clock.
func (g GameType) TimeScored() bool {
	switch g {
	case PicturePuzzle, PictureMatching, ArrangeTimeline:
		return true
	}
	return false
}

// LobbyMeta is the durable row for a lobby (the lobbies table).
type LobbyMeta struct {
	ID        int64         `json:"id"`
	Code      string        `json:"code"`
	Name      string        `json:"name"`
	GameType  GameType      `json:"game_type"`
	OwnerID   uuid.UUID     `json:"owner_id"`
	State     session.State `json:"state"`
	Capacity  int           `json:"capacity"`
	CreatedAt time.Time     `json:"created_at"`
	ClosedAt  *time.Time    `json:"closed_at,omitempty"`
}
