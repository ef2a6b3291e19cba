package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/speedfog/racing-core/internal/domain"
)

// AcceptInvite consumes a PENDING invite and creates its Participant in one
// transaction, assigning the next arrival order and storing modTokenHash,
// the caller-supplied SHA-256 digest of the mod_token. The plaintext token
// never reaches this package, and only the Participant is returned.
// SHA-256 rather than bcrypt: mod_token
// auth looks the participant up by an indexed equality match on the hash
// (FindParticipantByModTokenHash), which needs a deterministic digest;
// bcrypt's salted, verify-only comparison is reserved for the spectator API
// token in internal/auth, which is always checked against one known user.
func (s *Store) AcceptInvite(ctx context.Context, inviteID, modTokenHash string) (*domain.Participant, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: accept invite: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var raceID, externalUser string
	const selectInviteSQL = `SELECT race_id, external_user FROM invites WHERE id = $1 AND status = 'PENDING' FOR UPDATE;`
	if err := tx.QueryRow(ctx, selectInviteSQL, inviteID).Scan(&raceID, &externalUser); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("store: accept invite: select: %w", err)
	}

	var userID string
	const selectUserSQL = `SELECT id FROM users WHERE external_user = $1;`
	if err := tx.QueryRow(ctx, selectUserSQL, externalUser).Scan(&userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("store: accept invite: lookup user: %w", err)
	}

	var arrivalOrder int
	const nextOrderSQL = `SELECT coalesce(max(arrival_order), -1) + 1 FROM participants WHERE race_id = $1;`
	if err := tx.QueryRow(ctx, nextOrderSQL, raceID).Scan(&arrivalOrder); err != nil {
		return nil, fmt.Errorf("store: accept invite: next arrival order: %w", err)
	}

	participantID := uuid.New().String()
	const insertParticipantSQL = `
INSERT INTO participants (id, race_id, user_id, mod_token_hash, color_index, arrival_order)
VALUES ($1, $2, $3, $4, $5, $5);
`
	if _, err := tx.Exec(ctx, insertParticipantSQL, participantID, raceID, userID, modTokenHash, arrivalOrder); err != nil {
		return nil, fmt.Errorf("store: accept invite: insert participant: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE invites SET status = 'ACCEPTED' WHERE id = $1;`, inviteID); err != nil {
		return nil, fmt.Errorf("store: accept invite: mark accepted: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: accept invite: commit: %w", err)
	}

	return &domain.Participant{
		ID:           participantID,
		RaceID:       raceID,
		UserID:       userID,
		ModTokenHash: modTokenHash,
		Status:       domain.ParticipantRegistered,
		ColorIndex:   arrivalOrder,
		ArrivalOrder: arrivalOrder,
	}, nil
}

// RevokeInvite transitions a PENDING invite to REVOKED. A no-op (not an
// error) if the invite was already consumed or revoked — revocation racing
// acceptance is expected and harmless.
func (s *Store) RevokeInvite(ctx context.Context, inviteID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE invites SET status = 'REVOKED' WHERE id = $1 AND status = 'PENDING';`, inviteID)
	if err != nil {
		return fmt.Errorf("store: revoke invite: %w", err)
	}
	return nil
}

// CreateInvite is the glue-level write the organizer CRUD layer (out of
// scope, spec.md §1) calls into; kept here since invites are one of C1's
// five persisted entities.
func (s *Store) CreateInvite(ctx context.Context, raceID, externalUser string) (*domain.Invite, error) {
	invite := &domain.Invite{
		ID:           uuid.New().String(),
		RaceID:       raceID,
		ExternalUser: externalUser,
		Status:       domain.InvitePending,
		CreatedAt:    time.Now().UTC(),
	}
	const q = `INSERT INTO invites (id, race_id, external_user, status, created_at) VALUES ($1, $2, $3, $4, $5);`
	if _, err := s.pool.Exec(ctx, q, invite.ID, invite.RaceID, invite.ExternalUser, invite.Status, invite.CreatedAt); err != nil {
		return nil, fmt.Errorf("store: create invite: %w", err)
	}
	return invite, nil
}
