package database

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/classlobby/internal/lobby"
	"github.com/jason-s-yu/classlobby/internal/models"
	"github.com/jason-s-yu/classlobby/internal/session"
)

type eventKey struct {
	lobbyID int64
	seq     uint64
}

// Memory is a process-local store used when no DATABASE_URL is configured
// and in tests. Nothing survives a restart.
type Memory struct {
	mu      sync.RWMutex
	nextID  int64
	lobbies map[int64]models.LobbyMeta
	scores  map[int64]map[uuid.UUID]models.ScoreRecord
	events  map[eventKey]models.ArchivedEvent
}

var _ lobby.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		lobbies: make(map[int64]models.LobbyMeta),
		scores:  make(map[int64]map[uuid.UUID]models.ScoreRecord),
		events:  make(map[eventKey]models.ArchivedEvent),
	}
}

func (m *Memory) SaveLobbyMeta(_ context.Context, meta *models.LobbyMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if meta.ID == 0 {
		m.nextID++
		meta.ID = m.nextID
		m.lobbies[meta.ID] = *meta
		return nil
	}
	row, ok := m.lobbies[meta.ID]
	if !ok {
		return &lobby.NotFoundError{Kind: "lobby", Ref: strconv.FormatInt(meta.ID, 10)}
	}
	row.Name = meta.Name
	row.State = meta.State
	row.ClosedAt = meta.ClosedAt
	m.lobbies[meta.ID] = row
	return nil
}

func (m *Memory) LoadLobbyMeta(_ context.Context, id int64) (models.LobbyMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.lobbies[id]
	if !ok {
		return models.LobbyMeta{}, &lobby.NotFoundError{Kind: "lobby", Ref: strconv.FormatInt(id, 10)}
	}
	return row, nil
}

// SaveScore keeps the latest submission per (lobby, user).
func (m *Memory) SaveScore(_ context.Context, rec models.ScoreRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byUser := m.scores[rec.LobbyID]
	if byUser == nil {
		byUser = make(map[uuid.UUID]models.ScoreRecord)
		m.scores[rec.LobbyID] = byUser
	}
	if prev, ok := byUser[rec.UserID]; ok && prev.SubmittedAt.After(rec.SubmittedAt) {
		return nil
	}
	byUser[rec.UserID] = rec
	return nil
}

func (m *Memory) LoadScoresByLobby(_ context.Context, lobbyID int64) ([]models.ScoreRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ScoreRecord, 0, len(m.scores[lobbyID]))
	for _, rec := range m.scores[lobbyID] {
		out = append(out, rec)
	}
	return out, nil
}

func (m *Memory) LoadScoresByGameType(_ context.Context, gameType models.GameType) ([]models.ScoreRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ScoreRecord
	for _, byUser := range m.scores {
		for _, rec := range byUser {
			if rec.GameType == gameType {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

// SaveEvents stores archived events, ignoring duplicates.
func (m *Memory) SaveEvents(_ context.Context, events []models.ArchivedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		key := eventKey{lobbyID: ev.LobbyID, seq: ev.Seq}
		if _, dup := m.events[key]; !dup {
			m.events[key] = ev
		}
	}
	return nil
}

// MarkAbandoned aborts a lobby row that never reached a terminal state.
func (m *Memory) MarkAbandoned(_ context.Context, lobbyID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.lobbies[lobbyID]
	if !ok || row.State.Terminal() || row.State == session.Completed {
		return false, nil
	}
	now := time.Now().UTC()
	row.State = session.Aborted
	row.ClosedAt = &now
	m.lobbies[lobbyID] = row
	return true, nil
}

// Events returns the archived events of a lobby in sequence order.
func (m *Memory) Events(lobbyID int64) []models.ArchivedEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ArchivedEvent
	for key, ev := range m.events {
		if key.lobbyID == lobbyID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
