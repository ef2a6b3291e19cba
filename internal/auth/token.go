// Package auth hashes and verifies the API tokens spectator auth accepts
// (spec.md §4.7, §6.2). Grounded on the teacher's multitenancy.TenantManager
// API-key pattern: an id identifies the row to look up, a secret is the
// only part ever hashed, and golang.org/x/crypto/bcrypt both hashes and
// compares it — never a hand-rolled digest for anything bcrypt already
// covers idiomatically in this codebase.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/speedfog/racing-core/internal/domain"
)

// ErrInvalidToken covers every rejection reason (unknown id, bad secret,
// malformed token) uniformly — spectator auth never needs to distinguish
// them, it just falls back to anonymous (spec.md §4.7).
var ErrInvalidToken = errors.New("auth: invalid token")

// HashSecret bcrypt-hashes the secret half of a newly issued API token.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash secret: %w", err)
	}
	return string(hash), nil
}

// Split parses a "<user_id>.<secret>" token into its two halves.
func Split(token string) (userID, secret string, ok bool) {
	idx := strings.IndexByte(token, '.')
	if idx <= 0 || idx == len(token)-1 {
		return "", "", false
	}
	return token[:idx], token[idx+1:], true
}

// UserLookup resolves a user id to its User (whose APITokenHash Verify
// checks), kept as a narrow interface so this package doesn't depend on
// internal/store.
type UserLookup func(ctx context.Context, userID string) (*domain.User, error)

// Verify checks a raw "<user_id>.<secret>" token against the user's stored
// bcrypt hash and returns the resolved user on success.
func Verify(ctx context.Context, token string, lookup UserLookup) (*domain.User, error) {
	userID, secret, ok := Split(token)
	if !ok {
		return nil, ErrInvalidToken
	}
	user, err := lookup(ctx, userID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if user.APITokenHash == "" {
		return nil, ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.APITokenHash), []byte(secret)); err != nil {
		return nil, ErrInvalidToken
	}
	return user, nil
}
