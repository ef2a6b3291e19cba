package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedfog/racing-core/internal/domain"
)

func TestSplit(t *testing.T) {
	userID, secret, ok := Split("user-123.s3cr3t")
	require.True(t, ok)
	assert.Equal(t, "user-123", userID)
	assert.Equal(t, "s3cr3t", secret)

	_, _, ok = Split("no-dot-here")
	assert.False(t, ok)

	_, _, ok = Split("trailing-dot.")
	assert.False(t, ok)
}

func TestHashSecretAndVerify(t *testing.T) {
	hash, err := HashSecret("correct-horse")
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	lookup := func(ctx context.Context, userID string) (*domain.User, error) {
		return &domain.User{ID: "u1", APITokenHash: hash}, nil
	}

	user, err := Verify(context.Background(), "u1.correct-horse", lookup)
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	_, err = Verify(context.Background(), "u1.wrong-secret", lookup)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = Verify(context.Background(), "malformed-token", lookup)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_UnknownUser(t *testing.T) {
	lookup := func(ctx context.Context, userID string) (*domain.User, error) {
		return nil, domain.ErrNotFound
	}
	_, err := Verify(context.Background(), "ghost.secret", lookup)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
