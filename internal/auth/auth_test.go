package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTVerifier(t *testing.T) {
	v := NewJWTVerifier("test-secret", "founditure")
	ctx := context.Background()

	t.Run("valid token", func(t *testing.T) {
		token, err := v.Issue("alice", time.Hour)
		require.NoError(t, err)

		id, err := v.Verify(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, "alice", id.UserID)
		assert.WithinDuration(t, time.Now().Add(time.Hour), id.ExpiresAt, time.Minute)
	})

	t.Run("missing token", func(t *testing.T) {
		_, err := v.Verify(ctx, "")
		assert.ErrorIs(t, err, ErrMissingToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := NewJWTVerifier("other", "founditure").Issue("alice", time.Hour)
		require.NoError(t, err)
		_, err = v.Verify(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		token, err := NewJWTVerifier("test-secret", "someone-else").Issue("alice", time.Hour)
		require.NoError(t, err)
		_, err = v.Verify(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			Issuer:    "founditure",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		_, err = v.Verify(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("no subject", func(t *testing.T) {
		token, err := v.Issue("", time.Hour)
		require.NoError(t, err)
		_, err = v.Verify(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.Verify(ctx, "not-a-jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=query-token", nil)
	assert.Equal(t, "query-token", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "header-token", TokenFromRequest(r))

	assert.Empty(t, TokenFromRequest(httptest.NewRequest("GET", "/ws", nil)))
}

func TestIdentityContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), Identity{UserID: "bob"})
	id, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "bob", id.UserID)
}
