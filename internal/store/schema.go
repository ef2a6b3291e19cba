package store

import (
	"context"
	"fmt"
)

// bootstrapDDL creates the tables the core reads and writes. This is not a
// migration framework (out of scope per spec.md §1) — it exists so the
// module is runnable standalone and so integration tests have a schema to
// run against. Production deployments are expected to manage this schema
// with whatever migration tool the surrounding system already uses.
const bootstrapDDL = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	external_user TEXT NOT NULL UNIQUE,
	display_name  TEXT NOT NULL,
	avatar_url    TEXT NOT NULL DEFAULT '',
	api_token_hash TEXT NOT NULL DEFAULT '',
	role          TEXT NOT NULL DEFAULT 'user',
	locale        TEXT NOT NULL DEFAULT 'en',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS seeds (
	id           TEXT PRIMARY KEY,
	pool         TEXT NOT NULL,
	number       BIGINT NOT NULL,
	graph_json   JSONB NOT NULL,
	status       TEXT NOT NULL DEFAULT 'AVAILABLE',
	artifact_url TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_seeds_pool_status ON seeds (pool, status);

CREATE TABLE IF NOT EXISTS races (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	organizer_user_id TEXT NOT NULL REFERENCES users(id),
	seed_id           TEXT NOT NULL REFERENCES seeds(id),
	status            TEXT NOT NULL DEFAULT 'SETUP',
	version           BIGINT NOT NULL DEFAULT 1,
	started_at        TIMESTAMPTZ,
	seeds_released_at TIMESTAMPTZ,
	public            BOOLEAN NOT NULL DEFAULT true,
	scheduled_at      TIMESTAMPTZ,
	config            JSONB NOT NULL DEFAULT '{}',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS participants (
	id                 TEXT PRIMARY KEY,
	race_id            TEXT NOT NULL REFERENCES races(id),
	user_id            TEXT NOT NULL REFERENCES users(id),
	mod_token_hash     TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'REGISTERED',
	current_zone       TEXT NOT NULL DEFAULT '',
	current_layer      INT NOT NULL DEFAULT 0,
	zone_history       JSONB NOT NULL DEFAULT '[]',
	igt_ms             BIGINT NOT NULL DEFAULT 0,
	death_count        BIGINT NOT NULL DEFAULT 0,
	finished_at        TIMESTAMPTZ,
	last_igt_change_at TIMESTAMPTZ,
	color_index        INT NOT NULL DEFAULT 0,
	arrival_order      INT NOT NULL DEFAULT 0,
	UNIQUE (race_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_participants_race ON participants (race_id);

CREATE TABLE IF NOT EXISTS invites (
	id            TEXT PRIMARY KEY,
	race_id       TEXT NOT NULL REFERENCES races(id),
	external_user TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'PENDING',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Bootstrap runs bootstrapDDL unconditionally; cmd/server calls it only when
// cfg.Database.BootstrapDDL is enabled. It is idempotent (every statement is IF NOT EXISTS) so it is safe to call on
// every process start.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, bootstrapDDL); err != nil {
		return fmt.Errorf("store: bootstrap schema: %w", err)
	}
	return nil
}
