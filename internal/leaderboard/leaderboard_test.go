package leaderboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/classlobby/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	records []models.ScoreRecord
	err     error
}

func (f *fakeSource) LoadScoresByGameType(_ context.Context, gt models.GameType) ([]models.ScoreRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []models.ScoreRecord
	for _, r := range f.records {
		if r.GameType == gt {
			out = append(out, r)
		}
	}
	return out, nil
}

func secs(v float64) *float64 { return &v }

func names(entries []models.LeaderboardEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.DisplayName
	}
	return out
}

func TestRank_TieBrokenBySubmissionTime(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Second)
	t2 := t0.Add(2 * time.Second)

	records := []models.ScoreRecord{
		{UserID: uuid.New(), DisplayName: "A", Score: 100, SubmittedAt: t1},
		{UserID: uuid.New(), DisplayName: "B", Score: 100, SubmittedAt: t0},
		{UserID: uuid.New(), DisplayName: "C", Score: 90, SubmittedAt: t2},
	}

	got := Rank(records, false)
	assert.Equal(t, []string{"B", "A", "C"}, names(got))
	assert.Equal(t, 1, got[0].Rank)
	assert.Equal(t, 3, got[2].Rank)
	// input untouched
	assert.Equal(t, "A", records[0].DisplayName)
}

func TestRank_CompletionTimeOnlyBreaksTies(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	records := []models.ScoreRecord{
		{UserID: uuid.New(), DisplayName: "slow-first", Score: 80, CompletionTime: secs(50), SubmittedAt: t0},
		{UserID: uuid.New(), DisplayName: "fast-late", Score: 80, CompletionTime: secs(20), SubmittedAt: t0.Add(time.Minute)},
		{UserID: uuid.New(), DisplayName: "top", Score: 95, CompletionTime: secs(90), SubmittedAt: t0.Add(time.Hour)},
	}

	timed := Rank(records, true)
	assert.Equal(t, []string{"top", "fast-late", "slow-first"}, names(timed))
	require.NotNil(t, timed[0].CompletionTime)

	untimed := Rank(records, false)
	assert.Equal(t, []string{"top", "slow-first", "fast-late"}, names(untimed))
	assert.Nil(t, untimed[0].CompletionTime)
}

func TestRank_Deterministic(t *testing.T) {
	ts := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	a := models.ScoreRecord{UserID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), DisplayName: "a", Score: 5, SubmittedAt: ts}
	b := models.ScoreRecord{UserID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), DisplayName: "b", Score: 5, SubmittedAt: ts}

	assert.Equal(t, []string{"a", "b"}, names(Rank([]models.ScoreRecord{a, b}, false)))
	assert.Equal(t, []string{"a", "b"}, names(Rank([]models.ScoreRecord{b, a}, false)))
}

func TestAggregator_Global(t *testing.T) {
	ts := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	src := &fakeSource{}
	for i := 0; i < 15; i++ {
		src.records = append(src.records, models.ScoreRecord{
			LobbyID:     int64(i%3 + 1),
			UserID:      uuid.New(),
			DisplayName: string(rune('a' + i)),
			GameType:    models.TrueOrFalse,
			Score:       i * 10,
			SubmittedAt: ts,
		})
	}
	src.records = append(src.records, models.ScoreRecord{
		UserID: uuid.New(), DisplayName: "other", GameType: models.FillBlanks, Score: 1000, SubmittedAt: ts,
	})

	agg := NewAggregator(src)

	top, err := agg.Global(context.Background(), models.TrueOrFalse, 3)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, 140, top[0].Score)
	assert.Equal(t, 120, top[2].Score)

	def, err := agg.Global(context.Background(), models.TrueOrFalse, 0)
	require.NoError(t, err)
	assert.Len(t, def, DefaultLimit)

	_, err = NewAggregator(&fakeSource{err: errors.New("boom")}).Global(context.Background(), models.TrueOrFalse, 5)
	require.Error(t, err)
}
