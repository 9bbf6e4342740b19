// internal/lobby/registry.go
package lobby

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jason-s-yu/classlobby/internal/config"
	"github.com/jason-s-yu/classlobby/internal/leaderboard"
	"github.com/jason-s-yu/classlobby/internal/metrics"
	"github.com/jason-s-yu/classlobby/internal/models"
	"github.com/jason-s-yu/classlobby/internal/session"
	"github.com/sirupsen/logrus"
)

const (
	maxNameLength   = 64
	maxCodeAttempts = 16
)

// ErrShuttingDown is returned by CreateLobby after Shutdown.
var ErrShuttingDown = errors.New("lobby registry is shutting down")

// Registry owns every active lobby. It is created once at process start and
// passed by reference to whatever needs it.
type Registry struct {
	cfg       config.Lobby
	store     Store
	log       *logrus.Entry
	metrics   *metrics.Metrics
	observers []Observer
	boards    *leaderboard.Aggregator

	mu      sync.Mutex
	byID    map[int64]*Lobby
	byCode  map[string]*Lobby // nil value = code reserved while the row is written
	members map[uuid.UUID]int64
	closed  bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the parent log entry.
func WithLogger(log *logrus.Entry) Option {
	return func(r *Registry) { r.log = log }
}

// WithMetrics records registry and lobby activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
		if m != nil {
			r.observers = append(r.observers, m)
		}
	}
}

// WithObserver adds an observer to every lobby channel, e.g. the event archive.
func WithObserver(obs Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, obs) }
}

// NewRegistry initializes an empty registry.
func NewRegistry(cfg config.Lobby, store Store, opts ...Option) *Registry {
	r := &Registry{
		cfg:     cfg,
		store:   store,
		log:     logrus.NewEntry(logrus.StandardLogger()),
		boards:  leaderboard.NewAggregator(store),
		byID:    make(map[int64]*Lobby),
		byCode:  make(map[string]*Lobby),
		members: make(map[uuid.UUID]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateLobby validates the request, persists the lobby row and registers a
// new waiting lobby under a fresh code.
func (r *Registry) CreateLobby(ctx context.Context, name string, gameType models.GameType, ownerID uuid.UUID) (*Lobby, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return nil, &ValidationError{Field: "name", Reason: fmt.Sprintf("must be at most %d characters", maxNameLength)}
	}
	if !gameType.Valid() {
		return nil, &ValidationError{Field: "game_type", Reason: fmt.Sprintf("unsupported game type %q", gameType)}
	}
	if ownerID == uuid.Nil {
		return nil, &ValidationError{Field: "owner_id", Reason: "must be set"}
	}

	code, err := r.reserveCode()
	if err != nil {
		return nil, err
	}

	meta := models.LobbyMeta{
		Code:      code,
		Name:      name,
		GameType:  gameType,
		OwnerID:   ownerID,
		State:     session.Waiting,
		Capacity:  r.cfg.CapacityPerLobby,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.SaveLobbyMeta(ctx, &meta); err != nil {
		r.releaseCode(code, nil)
		return nil, fmt.Errorf("save lobby: %w", err)
	}

	l := newLobby(meta, r.cfg, lobbyDeps{
		store:     r.store,
		log:       r.log,
		metrics:   r.metrics,
		observers: r.observers,
		dir:       r,
	})

	r.mu.Lock()
	r.byCode[code] = l
	r.byID[l.ID] = l
	r.mu.Unlock()

	r.metrics.LobbyCreated()
	r.log.WithFields(logrus.Fields{
		"lobby_id":  l.ID,
		"code":      code,
		"game_type": gameType,
		"owner_id":  ownerID,
	}).Info("Lobby created")
	return l, nil
}

// reserveCode draws codes until one is unused by any active lobby.
func (r *Registry) reserveCode() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrShuttingDown
	}
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := GenerateCode()
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		if _, taken := r.byCode[code]; !taken {
			r.byCode[code] = nil
			return code, nil
		}
	}
	return "", fmt.Errorf("no free lobby code after %d attempts", maxCodeAttempts)
}

// releaseCode frees code if it still belongs to owner (nil for a reservation).
func (r *Registry) releaseCode(code string, owner *Lobby) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.byCode[code]; ok && l == owner {
		delete(r.byCode, code)
	}
}

// GetLobby resolves a join code (case-insensitive) or a numeric lobby id.
// Ids keep resolving during the post-close grace window; codes do not.
func (r *Registry) GetLobby(codeOrID string) (*Lobby, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l := r.byCode[NormalizeCode(codeOrID)]; l != nil {
		return l, nil
	}
	if id, err := strconv.ParseInt(strings.TrimSpace(codeOrID), 10, 64); err == nil {
		if l, ok := r.byID[id]; ok {
			return l, nil
		}
	}
	return nil, &NotFoundError{Kind: "lobby", Ref: codeOrID}
}

// Lookup returns the lobby with the given id.
func (r *Registry) Lookup(id int64) (*Lobby, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.byID[id]; ok {
		return l, nil
	}
	return nil, &NotFoundError{Kind: "lobby", Ref: strconv.FormatInt(id, 10)}
}

// List returns snapshots of every lobby the registry still holds, oldest first.
func (r *Registry) List() []*View {
	r.mu.Lock()
	lobbies := make([]*Lobby, 0, len(r.byID))
	for _, l := range r.byID {
		lobbies = append(lobbies, l)
	}
	r.mu.Unlock()

	views := make([]*View, 0, len(lobbies))
	for _, l := range lobbies {
		views = append(views, l.Snapshot())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// CloseLobby closes a completed lobby or aborts one that has not completed.
// Removal from the registry follows after the closed grace window.
func (r *Registry) CloseLobby(id int64) error {
	l, err := r.Lookup(id)
	if err != nil {
		return err
	}
	return l.Close()
}

// ForceEnd is the operator's end-of-session signal for an in-progress lobby.
func (r *Registry) ForceEnd(id int64) error {
	l, err := r.Lookup(id)
	if err != nil {
		return err
	}
	return l.ForceEnd()
}

// Join seats userID in lobby id. A user belongs to one lobby at a time, so a
// successful join removes them from the lobby they were in before.
func (r *Registry) Join(id int64, userID uuid.UUID, displayName string) (models.Participant, error) {
	l, err := r.Lookup(id)
	if err != nil {
		return models.Participant{}, err
	}
	p, err := l.Join(userID, displayName)
	if err != nil {
		return models.Participant{}, err
	}

	r.mu.Lock()
	prev, had := r.members[userID]
	r.members[userID] = id
	r.mu.Unlock()

	if had && prev != id {
		if old, err := r.Lookup(prev); err == nil {
			if err := old.leaveMoved(userID); err != nil {
				r.log.WithError(err).WithField("user_id", userID).Debug("Previous lobby had no seat to release")
			}
		}
	}
	return p, nil
}

// Leave removes userID from lobby id.
func (r *Registry) Leave(id int64, userID uuid.UUID) error {
	l, err := r.Lookup(id)
	if err != nil {
		return err
	}
	return l.Leave(userID)
}

// Membership returns the lobby userID is currently seated in.
func (r *Registry) Membership(userID uuid.UUID) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.members[userID]
	return id, ok
}

// LobbyLeaderboard ranks a lobby's scores. Lobbies that have already been
// discarded from memory are served from the durable store by numeric id.
func (r *Registry) LobbyLeaderboard(ctx context.Context, codeOrID string) ([]models.LeaderboardEntry, error) {
	if l, err := r.GetLobby(codeOrID); err == nil {
		return l.Leaderboard(), nil
	}

	id, err := strconv.ParseInt(strings.TrimSpace(codeOrID), 10, 64)
	if err != nil {
		return nil, &NotFoundError{Kind: "lobby", Ref: codeOrID}
	}
	meta, err := r.store.LoadLobbyMeta(ctx, id)
	if err != nil {
		return nil, err
	}
	records, err := r.store.LoadScoresByLobby(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load scores for lobby %d: %w", id, err)
	}
	return leaderboard.Rank(records, meta.GameType.TimeScored()), nil
}

// GlobalLeaderboard is the all-time board for a game type.
func (r *Registry) GlobalLeaderboard(ctx context.Context, gameType models.GameType, limit int) ([]models.LeaderboardEntry, error) {
	if !gameType.Valid() {
		return nil, &ValidationError{Field: "game_type", Reason: fmt.Sprintf("unsupported game type %q", gameType)}
	}
	return r.boards.Global(ctx, gameType, limit)
}

// Shutdown aborts and releases every lobby. CreateLobby fails afterwards.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	lobbies := make([]*Lobby, 0, len(r.byID))
	for _, l := range r.byID {
		lobbies = append(lobbies, l)
	}
	r.mu.Unlock()

	for _, l := range lobbies {
		l.Shutdown()
	}
	r.log.WithField("lobbies", len(lobbies)).Info("Lobby registry shut down")
}

// Len returns the number of lobbies held, including those in their grace window.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func (r *Registry) participantLeft(lobbyID int64, userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[userID] == lobbyID {
		delete(r.members, userID)
	}
}

// lobbyTerminated frees the lobby's code for reuse and unseats its members
// from the membership index.
func (r *Registry) lobbyTerminated(l *Lobby) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byCode[l.Code] == l {
		delete(r.byCode, l.Code)
	}
	for userID, id := range r.members {
		if id == l.ID {
			delete(r.members, userID)
		}
	}
}

func (r *Registry) lobbyRemoved(l *Lobby) {
	r.mu.Lock()
	if r.byID[l.ID] == l {
		delete(r.byID, l.ID)
		r.metrics.LobbyRemoved()
	}
	r.mu.Unlock()
	r.log.WithField("lobby_id", l.ID).Info("Lobby removed from registry")
}
