package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/speedfog/racing-core/internal/domain"
)

// GetSeed returns a detached snapshot of one seed, graph included.
func (s *Store) GetSeed(ctx context.Context, seedID string) (*domain.Seed, error) {
	const q = `SELECT id, pool, number, graph_json, status, artifact_url, created_at FROM seeds WHERE id = $1;`
	seed, err := scanSeed(s.pool.QueryRow(ctx, q, seedID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("store: get seed: %w", err)
	}
	return seed, nil
}

// PickRandomAvailableSeedID performs a uniform random pick among AVAILABLE
// seeds in pool, excluding excludeID (used by reroll to avoid reassigning
// the seed just released). This is the Postgres fallback path spec.md's
// domain stack wiring keeps behind Redis SPOP (internal/seed); on its own it
// is the whole implementation when Redis is disabled.
func (s *Store) PickRandomAvailableSeedID(ctx context.Context, pool, excludeID string) (string, error) {
	const q = `
SELECT id FROM seeds
WHERE pool = $1 AND status = 'AVAILABLE' AND id <> $2
ORDER BY random()
LIMIT 1
FOR UPDATE SKIP LOCKED;
`
	var id string
	if err := s.pool.QueryRow(ctx, q, pool, excludeID).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrSeedPoolExhausted
		}
		return "", fmt.Errorf("store: pick random seed: %w", err)
	}
	return id, nil
}

// AssignSeedToRace is the authoritative state change for C8's assign and
// reroll operations: mark seedID CONSUMED and point race_id.seed_id at it,
// in one transaction. race.status is not touched here — reroll's SETUP-only
// rule (I1) is enforced by the caller checking race status before calling in.
func (s *Store) AssignSeedToRace(ctx context.Context, raceID, seedID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: assign seed: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE seeds SET status = 'CONSUMED' WHERE id = $1 AND status = 'AVAILABLE';`, seedID)
	if err != nil {
		return fmt.Errorf("store: assign seed: consume: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}

	if _, err := tx.Exec(ctx, `UPDATE races SET seed_id = $1 WHERE id = $2;`, seedID, raceID); err != nil {
		return fmt.Errorf("store: assign seed: update race: %w", err)
	}

	return tx.Commit(ctx)
}

// ReleaseSeedToAvailable returns a CONSUMED seed to the pool. A DISCARDED
// seed is never touched (I2: pool retirement is terminal) — the WHERE
// clause alone enforces that, no branch needed.
func (s *Store) ReleaseSeedToAvailable(ctx context.Context, seedID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE seeds SET status = 'AVAILABLE' WHERE id = $1 AND status = 'CONSUMED';`, seedID)
	if err != nil {
		return fmt.Errorf("store: release seed: %w", err)
	}
	return nil
}

// DiscardPool retires every AVAILABLE or CONSUMED seed in pool in one
// statement, so a seed currently assigned to a race cannot drift back to
// AVAILABLE via a later reroll (spec.md §4.8).
func (s *Store) DiscardPool(ctx context.Context, pool string) error {
	_, err := s.pool.Exec(ctx, `UPDATE seeds SET status = 'DISCARDED' WHERE pool = $1 AND status IN ('AVAILABLE', 'CONSUMED');`, pool)
	if err != nil {
		return fmt.Errorf("store: discard pool: %w", err)
	}
	return nil
}

// MarkSeedsReleased sets races.seeds_released_at; the flag is sticky across a
// reset (I8) so it is never cleared anywhere in this package.
func (s *Store) MarkSeedsReleased(ctx context.Context, raceID string) (*domain.Race, error) {
	const q = `
UPDATE races SET seeds_released_at = COALESCE(seeds_released_at, now())
WHERE id = $1
RETURNING id, name, organizer_user_id, seed_id, status, version, started_at, seeds_released_at, public, scheduled_at, config, created_at;
`
	race, err := scanRace(s.pool.QueryRow(ctx, q, raceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("store: mark seeds released: %w", err)
	}
	return race, nil
}

// AvailableSeedIDs lists every AVAILABLE seed id in pool, for mirroring into
// the Redis seed-pool set (internal/seed).
func (s *Store) AvailableSeedIDs(ctx context.Context, pool string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM seeds WHERE pool = $1 AND status = 'AVAILABLE';`, pool)
	if err != nil {
		return nil, fmt.Errorf("store: available seed ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan seed id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanSeed(row rowScanner) (*domain.Seed, error) {
	var seed domain.Seed
	var graphJSON []byte
	if err := row.Scan(&seed.ID, &seed.Pool, &seed.Number, &graphJSON, &seed.Status, &seed.ArtifactURL, &seed.CreatedAt); err != nil {
		return nil, err
	}
	if len(graphJSON) > 0 {
		if err := json.Unmarshal(graphJSON, &seed.Graph); err != nil {
			return nil, fmt.Errorf("unmarshal graph_json: %w", err)
		}
	}
	return &seed, nil
}
