package lobby

import (
	"context"

	"github.com/google/uuid"
	"github.com/jason-s-yu/classlobby/internal/broadcast"
	"github.com/jason-s-yu/classlobby/internal/models"
)

// Store is the durable side of the coordinator. Score records outlive the
// in-memory lobby; lobby rows only record metadata and the final state.
type Store interface {
	// SaveLobbyMeta inserts meta when meta.ID is zero (assigning the ID) and
	// updates the row otherwise.
	SaveLobbyMeta(ctx context.Context, meta *models.LobbyMeta) error
	// LoadLobbyMeta returns a *NotFoundError for unknown ids.
	LoadLobbyMeta(ctx context.Context, id int64) (models.LobbyMeta, error)
	// SaveScore upserts on (lobby, user).
	SaveScore(ctx context.Context, rec models.ScoreRecord) error
	LoadScoresByLobby(ctx context.Context, lobbyID int64) ([]models.ScoreRecord, error)
	LoadScoresByGameType(ctx context.Context, gameType models.GameType) ([]models.ScoreRecord, error)
}

// Observer sees every event a lobby publishes. Metrics and the event archive implement it.
type Observer interface {
	Published(lobbyID int64, ev broadcast.Event)
	Dropped(lobbyID int64, userID uuid.UUID, ev broadcast.Event)
}

// channelObserver binds lobby observers to one lobby's channel.
type channelObserver struct {
	lobbyID   int64
	observers []Observer
}

func (o channelObserver) Published(ev broadcast.Event) {
	for _, obs := range o.observers {
		obs.Published(o.lobbyID, ev)
	}
}

func (o channelObserver) Dropped(userID uuid.UUID, ev broadcast.Event) {
	for _, obs := range o.observers {
		obs.Dropped(o.lobbyID, userID, ev)
	}
}
