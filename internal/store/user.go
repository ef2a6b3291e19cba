package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/speedfog/racing-core/internal/domain"
)

// GetUser returns a detached snapshot of one user. OAuth provisioning itself
// is out of scope (spec.md §1) — this only reads back what an external
// caller already wrote.
func (s *Store) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	const q = `SELECT id, external_user, display_name, avatar_url, api_token_hash, role, locale, created_at FROM users WHERE id = $1;`
	var u domain.User
	err := s.pool.QueryRow(ctx, q, userID).Scan(&u.ID, &u.ExternalUser, &u.DisplayName, &u.AvatarURL, &u.APITokenHash, &u.Role, &u.Locale, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return &u, nil
}

// GetUserByExternalUsername looks a user up by external username. Spectator
// auth resolves users by id through GetUser; nothing in this module calls
// this method at present.
func (s *Store) GetUserByExternalUsername(ctx context.Context, externalUser string) (*domain.User, error) {
	const q = `SELECT id, external_user, display_name, avatar_url, api_token_hash, role, locale, created_at FROM users WHERE external_user = $1;`
	var u domain.User
	err := s.pool.QueryRow(ctx, q, externalUser).Scan(&u.ID, &u.ExternalUser, &u.DisplayName, &u.AvatarURL, &u.APITokenHash, &u.Role, &u.Locale, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("store: get user by external username: %w", err)
	}
	return &u, nil
}
