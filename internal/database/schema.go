package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied idempotently at startup.
const schema = `
CREATE TABLE IF NOT EXISTS lobbies (
	id          BIGSERIAL PRIMARY KEY,
	code        TEXT        NOT NULL,
	name        TEXT        NOT NULL,
	game_type   TEXT        NOT NULL,
	owner_id    UUID        NOT NULL,
	state       TEXT        NOT NULL,
	capacity    INTEGER     NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	closed_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS score_records (
	lobby_id        BIGINT      NOT NULL REFERENCES lobbies(id) ON DELETE CASCADE,
	user_id         UUID        NOT NULL,
	display_name    TEXT        NOT NULL,
	game_type       TEXT        NOT NULL,
	score           INTEGER     NOT NULL,
	completion_time DOUBLE PRECISION,
	submitted_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (lobby_id, user_id)
);

CREATE INDEX IF NOT EXISTS score_records_game_type_idx ON score_records (game_type);

CREATE TABLE IF NOT EXISTS lobby_events (
	lobby_id   BIGINT      NOT NULL,
	seq        BIGINT      NOT NULL,
	type       TEXT        NOT NULL,
	scope      INTEGER     NOT NULL,
	payload    JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (lobby_id, seq)
);
`

// Migrate creates the coordinator's tables if they do not exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	err := pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, schema)
		return err
	})
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
