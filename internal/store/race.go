package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/speedfog/racing-core/internal/domain"
)

// RaceMutation carries the extra SET clauses a status transition needs
// beyond status/version, mirroring the "mutator" argument spec.md §4.1
// assigns to transition_race. Only the fields the caller sets take effect.
type RaceMutation struct {
	SetStartedAtNow       bool
	ClearStartedAt        bool
	SetSeedsReleasedAtNow bool
	SeedID                *string
}

// TransitionRace performs the single versioned UPDATE every race status
// change in spec.md §4.9 is built from: "UPDATE races SET status=to,
// version=version+1, <mutator> WHERE id=? AND status IN allowed AND
// version=v". Zero rows affected surfaces as domain.ErrConflict — the
// caller's responsibility to retry or treat as a no-op (spec.md §7,
// OptimisticConflict).
func (s *Store) TransitionRace(ctx context.Context, raceID string, allowedFrom []domain.RaceStatus, to domain.RaceStatus, version int64, mut RaceMutation) (*domain.Race, error) {
	statuses := make([]string, len(allowedFrom))
	for i, st := range allowedFrom {
		statuses[i] = string(st)
	}

	setClauses := "status = $1, version = version + 1"
	args := []any{string(to)}
	argN := 2

	if mut.SetStartedAtNow {
		setClauses += fmt.Sprintf(", started_at = $%d", argN)
		args = append(args, time.Now().UTC())
		argN++
	}
	if mut.ClearStartedAt {
		setClauses += ", started_at = NULL"
	}
	if mut.SetSeedsReleasedAtNow {
		setClauses += fmt.Sprintf(", seeds_released_at = $%d", argN)
		args = append(args, time.Now().UTC())
		argN++
	}
	if mut.SeedID != nil {
		setClauses += fmt.Sprintf(", seed_id = $%d", argN)
		args = append(args, *mut.SeedID)
		argN++
	}

	args = append(args, raceID, statuses, version)
	raceIDArg := argN
	statusesArg := argN + 1
	versionArg := argN + 2

	sql := fmt.Sprintf(`
UPDATE races SET %s
WHERE id = $%d AND status = ANY($%d) AND version = $%d
RETURNING id, name, organizer_user_id, seed_id, status, version, started_at, seeds_released_at, public, scheduled_at, config, created_at;
`, setClauses, raceIDArg, statusesArg, versionArg)

	row := s.pool.QueryRow(ctx, sql, args...)
	race, err := scanRace(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrConflict
		}
		return nil, fmt.Errorf("store: transition race: %w", err)
	}
	return race, nil
}

// GetRace returns a detached snapshot of one race.
func (s *Store) GetRace(ctx context.Context, raceID string) (*domain.Race, error) {
	const q = `SELECT id, name, organizer_user_id, seed_id, status, version, started_at, seeds_released_at, public, scheduled_at, config, created_at FROM races WHERE id = $1;`
	race, err := scanRace(s.pool.QueryRow(ctx, q, raceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("store: get race: %w", err)
	}
	return race, nil
}

// ListRunningRaces returns every RUNNING race without loading the entire
// races table. The background monitor (C10) does not call it; its sweeps go
// through the participant abandon queries.
func (s *Store) ListRunningRaces(ctx context.Context) ([]domain.Race, error) {
	const q = `SELECT id, name, organizer_user_id, seed_id, status, version, started_at, seeds_released_at, public, scheduled_at, config, created_at FROM races WHERE status = 'RUNNING';`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list running races: %w", err)
	}
	defer rows.Close()

	var out []domain.Race
	for rows.Next() {
		race, err := scanRace(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan running race: %w", err)
		}
		out = append(out, *race)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRace(row rowScanner) (*domain.Race, error) {
	var r domain.Race
	if err := row.Scan(&r.ID, &r.Name, &r.OrganizerUserID, &r.SeedID, &r.Status, &r.Version, &r.StartedAt, &r.SeedsReleasedAt, &r.Public, &r.ScheduledAt, &r.Config, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// ResetRaceAndParticipants implements the Reset transition (spec.md §4.9):
// the race's optimistic transition and every participant's reset to
// REGISTERED happen inside one transaction, since both must succeed or
// neither does.
func (s *Store) ResetRaceAndParticipants(ctx context.Context, raceID string, version int64) (*domain.Race, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: reset race: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const updateRaceSQL = `
UPDATE races SET status = 'SETUP', version = version + 1, started_at = NULL
WHERE id = $1 AND status IN ('RUNNING', 'FINISHED') AND version = $2
RETURNING id, name, organizer_user_id, seed_id, status, version, started_at, seeds_released_at, public, scheduled_at, config, created_at;
`
	race, err := scanRace(tx.QueryRow(ctx, updateRaceSQL, raceID, version))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrConflict
		}
		return nil, fmt.Errorf("store: reset race: update: %w", err)
	}

	const resetParticipantsSQL = `
UPDATE participants SET
	status = 'REGISTERED',
	current_zone = '',
	current_layer = 0,
	igt_ms = 0,
	death_count = 0,
	zone_history = '[]',
	finished_at = NULL,
	last_igt_change_at = NULL
WHERE race_id = $1;
`
	if _, err := tx.Exec(ctx, resetParticipantsSQL, raceID); err != nil {
		return nil, fmt.Errorf("store: reset race: reset participants: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: reset race: commit: %w", err)
	}
	return race, nil
}

// AllParticipantsTerminal reports whether every participant in the race is
// FINISHED or ABANDONED. Used by the auto-finish check (spec.md §4.9).
func (s *Store) AllParticipantsTerminal(ctx context.Context, raceID string) (bool, error) {
	const q = `SELECT count(*) FROM participants WHERE race_id = $1 AND status NOT IN ('FINISHED', 'ABANDONED');`
	var nonTerminal int
	if err := s.pool.QueryRow(ctx, q, raceID).Scan(&nonTerminal); err != nil {
		return false, fmt.Errorf("store: count non-terminal participants: %w", err)
	}
	return nonTerminal == 0, nil
}
