// internal/database/postgres.go
package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/classlobby/internal/lobby"
	"github.com/jason-s-yu/classlobby/internal/metrics"
	"github.com/jason-s-yu/classlobby/internal/models"
	"github.com/jason-s-yu/classlobby/internal/session"
	"github.com/sirupsen/logrus"
)

// Postgres is the durable lobby store backed by a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
	log  *logrus.Entry
}

var _ lobby.Store = (*Postgres)(nil)

// NewPostgres wraps an open pool.
func NewPostgres(pool *pgxpool.Pool, log *logrus.Entry) *Postgres {
	return &Postgres{pool: pool, log: log}
}

// SaveLobbyMeta inserts a new lobby row (assigning meta.ID) or updates the
// mutable columns of an existing one.
func (p *Postgres) SaveLobbyMeta(ctx context.Context, meta *models.LobbyMeta) error {
	if meta.ID == 0 {
		q := `
			INSERT INTO lobbies (code, name, game_type, owner_id, state, capacity, created_at, closed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`
		err := p.pool.QueryRow(ctx, q,
			meta.Code, meta.Name, string(meta.GameType), meta.OwnerID,
			string(meta.State), meta.Capacity, meta.CreatedAt, meta.ClosedAt,
		).Scan(&meta.ID)
		if err != nil {
			return fmt.Errorf("insert lobby: %w", err)
		}
		return nil
	}

	q := `
		UPDATE lobbies
		SET name = $2, state = $3, closed_at = $4
		WHERE id = $1
	`
	tag, err := p.pool.Exec(ctx, q, meta.ID, meta.Name, string(meta.State), meta.ClosedAt)
	if err != nil {
		return fmt.Errorf("update lobby %d: %w", meta.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return &lobby.NotFoundError{Kind: "lobby", Ref: strconv.FormatInt(meta.ID, 10)}
	}
	return nil
}

// LoadLobbyMeta fetches a lobby row by id.
func (p *Postgres) LoadLobbyMeta(ctx context.Context, id int64) (models.LobbyMeta, error) {
	q := `
		SELECT id, code, name, game_type, owner_id, state, capacity, created_at, closed_at
		FROM lobbies
		WHERE id = $1
	`
	var (
		meta     models.LobbyMeta
		gameType string
		state    string
	)
	err := p.pool.QueryRow(ctx, q, id).Scan(
		&meta.ID, &meta.Code, &meta.Name, &gameType, &meta.OwnerID,
		&state, &meta.Capacity, &meta.CreatedAt, &meta.ClosedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LobbyMeta{}, &lobby.NotFoundError{Kind: "lobby", Ref: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return models.LobbyMeta{}, fmt.Errorf("load lobby %d: %w", id, err)
	}
	meta.GameType = models.GameType(gameType)
	meta.State = session.State(state)
	return meta, nil
}

// SaveScore upserts the (lobby, user) score row. An older submission never
// overwrites a newer one.
func (p *Postgres) SaveScore(ctx context.Context, rec models.ScoreRecord) error {
	err := pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
			INSERT INTO score_records (lobby_id, user_id, display_name, game_type, score, completion_time, submitted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (lobby_id, user_id)
			DO UPDATE SET display_name = $3, score = $5, completion_time = $6, submitted_at = $7
			WHERE score_records.submitted_at <= EXCLUDED.submitted_at
		`
		_, err := tx.Exec(ctx, q,
			rec.LobbyID, rec.UserID, rec.DisplayName, string(rec.GameType),
			rec.Score, rec.CompletionTime, rec.SubmittedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("tx upsert score: %w", err)
	}
	return nil
}

// LoadScoresByLobby returns every score row of a lobby.
func (p *Postgres) LoadScoresByLobby(ctx context.Context, lobbyID int64) ([]models.ScoreRecord, error) {
	q := `
		SELECT lobby_id, user_id, display_name, game_type, score, completion_time, submitted_at
		FROM score_records
		WHERE lobby_id = $1
	`
	return p.queryScores(ctx, q, lobbyID)
}

// LoadScoresByGameType returns every score row recorded for a game type.
func (p *Postgres) LoadScoresByGameType(ctx context.Context, gameType models.GameType) ([]models.ScoreRecord, error) {
	q := `
		SELECT lobby_id, user_id, display_name, game_type, score, completion_time, submitted_at
		FROM score_records
		WHERE game_type = $1
	`
	return p.queryScores(ctx, q, string(gameType))
}

func (p *Postgres) queryScores(ctx context.Context, q string, arg any) ([]models.ScoreRecord, error) {
	rows, err := p.pool.Query(ctx, q, arg)
	if err != nil {
		return nil, fmt.Errorf("query scores: %w", err)
	}
	defer rows.Close()

	var out []models.ScoreRecord
	for rows.Next() {
		var (
			rec      models.ScoreRecord
			gameType string
		)
		if err := rows.Scan(
			&rec.LobbyID, &rec.UserID, &rec.DisplayName, &gameType,
			&rec.Score, &rec.CompletionTime, &rec.SubmittedAt,
		); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		rec.GameType = models.GameType(gameType)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scores: %w", err)
	}
	return out, nil
}

// SaveEvents appends archived lobby events. Redelivered events are ignored.
func (p *Postgres) SaveEvents(ctx context.Context, events []models.ArchivedEvent) error {
	if len(events) == 0 {
		return nil
	}
	err := pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
			INSERT INTO lobby_events (lobby_id, seq, type, scope, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (lobby_id, seq) DO NOTHING
		`
		batch := &pgx.Batch{}
		for _, ev := range events {
			var payload any
			if len(ev.Payload) > 0 {
				payload = string(ev.Payload)
			}
			batch.Queue(q, ev.LobbyID, int64(ev.Seq), ev.Type, ev.Scope, payload, ev.Timestamp)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("tx insert %d lobby events: %w", len(events), err)
	}
	return nil
}

// MarkAbandoned aborts a lobby row that never completed.
// It reports whether a row changed.
func (p *Postgres) MarkAbandoned(ctx context.Context, lobbyID int64) (bool, error) {
	var changed bool
	err := pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
			UPDATE lobbies
			SET state = $2, closed_at = NOW()
			WHERE id = $1 AND state NOT IN ($2, $3, $4)
		`
		tag, err := tx.Exec(ctx, q, lobbyID, string(session.Aborted), string(session.Closed), string(session.Completed))
		changed = tag.RowsAffected() > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("mark lobby %d abandoned: %w", lobbyID, err)
	}
	return changed, nil
}

// ReportPoolStats copies the pool's connection stats into m.
func (p *Postgres) ReportPoolStats(m *metrics.Metrics) {
	s := p.pool.Stat()
	m.RecordDBPoolStats(s.TotalConns(), s.AcquiredConns(), s.IdleConns(), s.EmptyAcquireCount(), s.AcquireDuration())
}

// WatchPool reports pool stats every interval until ctx is done.
func (p *Postgres) WatchPool(ctx context.Context, m *metrics.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ReportPoolStats(m)
		}
	}
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
	p.log.Info("Database pool closed")
}
