package models

import (
	"time"

	"github.com/google/uuid"
)

// ScoreRecord is a participant's completion submission. There is at most one
// per (lobby, user); a later submission replaces the earlier one.
type ScoreRecord struct {
	LobbyID        int64     `json:"lobby_id"`
	UserID         uuid.UUID `json:"user_id"`
	DisplayName    string    `json:"display_name"`
	GameType       GameType  `json:"game_type"`
	Score          int       `json:"score"`
	CompletionTime *float64  `json:"completion_time,omitempty"` // seconds
	SubmittedAt    time.Time `json:"submitted_at"`
}

// LeaderboardEntry is a derived, ranked view of a ScoreRecord.
type LeaderboardEntry struct {
	Rank           int       `json:"rank"`
	UserID         uuid.UUID `json:"user_id"`
	DisplayName    string    `json:"display_name"`
	LobbyID        int64     `json:"lobby_id,omitempty"`
	Score          int       `json:"score"`
	CompletionTime *float64  `json:"completion_time,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at"`
}
