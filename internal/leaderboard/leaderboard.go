// internal/leaderboard/leaderboard.go
package leaderboard

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/jason-s-yu/classlobby/internal/models"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// ScoreSource is the part of the durable store the global board reads from.
type ScoreSource interface {
	LoadScoresByGameType(ctx context.Context, gameType models.GameType) ([]models.ScoreRecord, error)
}

// Less reports whether a ranks ahead of b: higher score first; on equal scores a
// lower completion time wins (time-scored games only, both times present), then
// the earlier submission, then the user id so the order is total.
func Less(a, b models.ScoreRecord, timeScored bool) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if timeScored && a.CompletionTime != nil && b.CompletionTime != nil && *a.CompletionTime != *b.CompletionTime {
		return *a.CompletionTime < *b.CompletionTime
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	if a.LobbyID != b.LobbyID {
		return a.LobbyID < b.LobbyID
	}
	return bytes.Compare(a.UserID[:], b.UserID[:]) < 0
}

// Rank orders records and numbers them from 1. The input slice is not modified.
func Rank(records []models.ScoreRecord, timeScored bool) []models.LeaderboardEntry {
	sorted := make([]models.ScoreRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return Less(sorted[i], sorted[j], timeScored)
	})

	entries := make([]models.LeaderboardEntry, 0, len(sorted))
	for i, rec := range sorted {
		e := models.LeaderboardEntry{
			Rank:        i + 1,
			UserID:      rec.UserID,
			DisplayName: rec.DisplayName,
			LobbyID:     rec.LobbyID,
			Score:       rec.Score,
			SubmittedAt: rec.SubmittedAt,
		}
		if timeScored {
			e.CompletionTime = rec.CompletionTime
		}
		entries = append(entries, e)
	}
	return entries
}

// Aggregator serves the all-time boards from durable score records.
type Aggregator struct {
	src ScoreSource
}

func NewAggregator(src ScoreSource) *Aggregator {
	return &Aggregator{src: src}
}

// Global returns the top limit entries across every lobby of gameType.
// A non-positive limit falls back to DefaultLimit; limits above MaxLimit are clamped.
func (a *Aggregator) Global(ctx context.Context, gameType models.GameType, limit int) ([]models.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	records, err := a.src.LoadScoresByGameType(ctx, gameType)
	if err != nil {
		return nil, fmt.Errorf("load scores for %s: %w", gameType, err)
	}

	entries := Rank(records, gameType.TimeScored())
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
