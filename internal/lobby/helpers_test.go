package lobby

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/classlobby/internal/broadcast"
	"github.com/jason-s-yu/classlobby/internal/config"
	"github.com/jason-s-yu/classlobby/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeStore keeps rows in memory and can be told to fail score writes.
type fakeStore struct {
	mu        sync.Mutex
	nextID    int64
	metas     map[int64]models.LobbyMeta
	scores    map[int64]map[uuid.UUID]models.ScoreRecord
	failScore error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		metas:  make(map[int64]models.LobbyMeta),
		scores: make(map[int64]map[uuid.UUID]models.ScoreRecord),
	}
}

func (s *fakeStore) SaveLobbyMeta(_ context.Context, meta *models.LobbyMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meta.ID == 0 {
		s.nextID++
		meta.ID = s.nextID
	}
	s.metas[meta.ID] = *meta
	return nil
}

func (s *fakeStore) LoadLobbyMeta(_ context.Context, id int64) (models.LobbyMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.metas[id]
	if !ok {
		return models.LobbyMeta{}, &NotFoundError{Kind: "lobby", Ref: "x"}
	}
	return meta, nil
}

func (s *fakeStore) SaveScore(_ context.Context, rec models.ScoreRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failScore != nil {
		return s.failScore
	}
	if s.scores[rec.LobbyID] == nil {
		s.scores[rec.LobbyID] = make(map[uuid.UUID]models.ScoreRecord)
	}
	s.scores[rec.LobbyID][rec.UserID] = rec
	return nil
}

func (s *fakeStore) LoadScoresByLobby(_ context.Context, lobbyID int64) ([]models.ScoreRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScoreRecord
	for _, rec := range s.scores[lobbyID] {
		out = append(out, rec)
	}
	return out, nil
}

func (s *fakeStore) LoadScoresByGameType(_ context.Context, gt models.GameType) ([]models.ScoreRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScoreRecord
	for _, byUser := range s.scores {
		for _, rec := range byUser {
			if rec.GameType == gt {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) meta(id int64) models.LobbyMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metas[id]
}

func testConfig() config.Lobby {
	cfg := config.DefaultLobby()
	cfg.CapacityPerLobby = 2
	cfg.MaxSubLobbies = 1
	cfg.ReadyCountdown = 30 * time.Millisecond
	cfg.IdleTimeout = time.Minute
	cfg.ClosedGrace = time.Minute
	return cfg
}

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func newTestRegistry(t *testing.T, cfg config.Lobby) (*Registry, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	reg := NewRegistry(cfg, store, WithLogger(quietLogger()))
	t.Cleanup(reg.Shutdown)
	return reg, store
}

func newTestLobby(t *testing.T, reg *Registry, gt models.GameType) *Lobby {
	t.Helper()
	l, err := reg.CreateLobby(context.Background(), "Grade 4 - Section A", gt, uuid.New())
	require.NoError(t, err)
	return l
}

// startSession seats n users, readies them and waits for the countdown.
func startSession(t *testing.T, reg *Registry, l *Lobby, n int) []uuid.UUID {
	t.Helper()
	users := make([]uuid.UUID, n)
	for i := range users {
		users[i] = uuid.New()
		_, err := reg.Join(l.ID, users[i], "")
		require.NoError(t, err)
	}
	for _, u := range users {
		_, err := l.SetReady(u, true)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		for _, s := range l.Snapshot().Scopes {
			if s.Members > 0 && s.Phase != "in-progress" {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
	return users
}

// drain collects event types until the subscription stays quiet for a moment.
func drain(sub *broadcast.Subscription) []string {
	var types []string
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		ev, err := sub.Next(ctx)
		cancel()
		if err != nil {
			return types
		}
		types = append(types, ev.Type)
	}
}
