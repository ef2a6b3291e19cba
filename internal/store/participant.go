package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/speedfog/racing-core/internal/domain"
)

// UpdateParticipant loads the row FOR UPDATE inside a transaction, hands it
// to mutate for in-memory changes, persists every mutable column, and
// returns a detached copy for post-commit broadcast — the pattern spec.md
// §4.1 and §9 call out explicitly ("objects needed for post-commit
// broadcast must be detached... no additional round-trip required").
func (s *Store) UpdateParticipant(ctx context.Context, participantID string, mutate func(*domain.Participant) error) (*domain.Participant, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: update participant: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const selectSQL = `
SELECT id, race_id, user_id, mod_token_hash, status, current_zone, current_layer, zone_history, igt_ms, death_count, finished_at, last_igt_change_at, color_index, arrival_order
FROM participants WHERE id = $1 FOR UPDATE;
`
	p, err := scanParticipant(tx.QueryRow(ctx, selectSQL, participantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("store: update participant: select: %w", err)
	}

	if err := mutate(p); err != nil {
		return nil, err
	}

	historyJSON, err := json.Marshal(p.ZoneHistory)
	if err != nil {
		return nil, fmt.Errorf("store: update participant: marshal zone_history: %w", err)
	}

	const updateSQL = `
UPDATE participants SET
	status = $2, current_zone = $3, current_layer = $4, zone_history = $5,
	igt_ms = $6, death_count = $7, finished_at = $8, last_igt_change_at = $9
WHERE id = $1;
`
	if _, err := tx.Exec(ctx, updateSQL, p.ID, p.Status, p.CurrentZone, p.CurrentLayer, historyJSON, p.IGTMs, p.DeathCount, p.FinishedAt, p.LastIGTChangeAt); err != nil {
		return nil, fmt.Errorf("store: update participant: exec: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: update participant: commit: %w", err)
	}
	return p, nil
}

// GetParticipant returns a detached snapshot of one participant.
func (s *Store) GetParticipant(ctx context.Context, participantID string) (*domain.Participant, error) {
	const q = `
SELECT id, race_id, user_id, mod_token_hash, status, current_zone, current_layer, zone_history, igt_ms, death_count, finished_at, last_igt_change_at, color_index, arrival_order
FROM participants WHERE id = $1;
`
	p, err := scanParticipant(s.pool.QueryRow(ctx, q, participantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("store: get participant: %w", err)
	}
	return p, nil
}

// ListParticipants returns every participant of a race, for the leaderboard
// engine and for auth_ok's initial participant list.
func (s *Store) ListParticipants(ctx context.Context, raceID string) ([]domain.Participant, error) {
	const q = `
SELECT id, race_id, user_id, mod_token_hash, status, current_zone, current_layer, zone_history, igt_ms, death_count, finished_at, last_igt_change_at, color_index, arrival_order
FROM participants WHERE race_id = $1 ORDER BY arrival_order;
`
	rows, err := s.pool.Query(ctx, q, raceID)
	if err != nil {
		return nil, fmt.Errorf("store: list participants: %w", err)
	}
	defer rows.Close()

	var out []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan participant: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// FindParticipantByModTokenHash is the auth-phase lookup (spec.md §4.6): the
// mod client presents mod_token, the caller hashes it, and this resolves the
// (race, participant) pair the token belongs to.
func (s *Store) FindParticipantByModTokenHash(ctx context.Context, raceID, modTokenHash string) (*domain.Participant, error) {
	const q = `
SELECT id, race_id, user_id, mod_token_hash, status, current_zone, current_layer, zone_history, igt_ms, death_count, finished_at, last_igt_change_at, color_index, arrival_order
FROM participants WHERE race_id = $1 AND mod_token_hash = $2;
`
	p, err := scanParticipant(s.pool.QueryRow(ctx, q, raceID, modTokenHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("store: find participant by mod token: %w", err)
	}
	return p, nil
}

// AbandonInactiveParticipants and AbandonNoShowParticipants implement the two
// monitor sweeps from spec.md §4.10 in one statement each: inactivity (PLAYING, stale last_igt_change_at)
// and no-show (REGISTERED/READY, stale race.started_at). Returns the race ids
// that had at least one participant abandoned, so the caller can run the
// auto-finish check only where it might matter.
func (s *Store) AbandonInactiveParticipants(ctx context.Context, inactivityThresholdMinutes int) ([]string, error) {
	const q = `
UPDATE participants SET status = 'ABANDONED'
WHERE status = 'PLAYING'
  AND race_id IN (SELECT id FROM races WHERE status = 'RUNNING')
  AND last_igt_change_at < now() - ($1 || ' minutes')::interval
RETURNING race_id;
`
	return s.execReturningRaceIDs(ctx, q, inactivityThresholdMinutes)
}

func (s *Store) AbandonNoShowParticipants(ctx context.Context, noShowThresholdMinutes int) ([]string, error) {
	const q = `
UPDATE participants SET status = 'ABANDONED'
WHERE status IN ('REGISTERED', 'READY')
  AND race_id IN (
    SELECT id FROM races WHERE status = 'RUNNING' AND started_at < now() - ($1 || ' minutes')::interval
  )
RETURNING race_id;
`
	return s.execReturningRaceIDs(ctx, q, noShowThresholdMinutes)
}

func (s *Store) execReturningRaceIDs(ctx context.Context, sql string, minutes int) ([]string, error) {
	rows, err := s.pool.Query(ctx, sql, minutes)
	if err != nil {
		return nil, fmt.Errorf("store: abandon sweep: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var out []string
	for rows.Next() {
		var raceID string
		if err := rows.Scan(&raceID); err != nil {
			return nil, fmt.Errorf("store: abandon sweep scan: %w", err)
		}
		if !seen[raceID] {
			seen[raceID] = true
			out = append(out, raceID)
		}
	}
	return out, rows.Err()
}

func scanParticipant(row rowScanner) (*domain.Participant, error) {
	var p domain.Participant
	var historyJSON []byte
	if err := row.Scan(&p.ID, &p.RaceID, &p.UserID, &p.ModTokenHash, &p.Status, &p.CurrentZone, &p.CurrentLayer, &historyJSON, &p.IGTMs, &p.DeathCount, &p.FinishedAt, &p.LastIGTChangeAt, &p.ColorIndex, &p.ArrivalOrder); err != nil {
		return nil, err
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &p.ZoneHistory); err != nil {
			return nil, fmt.Errorf("unmarshal zone_history: %w", err)
		}
	}
	return &p, nil
}
