package tokens

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, claims AccessClaims) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("server-side-key"))
	require.NoError(t, err)
	return token
}

func TestInspect(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("reads subject and expiry", func(t *testing.T) {
		token := sign(t, AccessClaims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "42", ExpiresAt: jwt.NewNumericDate(exp)},
			Type:             "access",
		})

		info, err := Inspect(token)

		require.NoError(t, err)
		require.Equal(t, "42", info.Subject)
		require.Equal(t, "access", info.Type)
		require.True(t, exp.Equal(info.ExpiresAt))
	})

	t.Run("expired token still decodes", func(t *testing.T) {
		token := sign(t, AccessClaims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "42", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
		})

		info, err := Inspect(token)

		require.NoError(t, err)
		require.Equal(t, "42", info.Subject)
	})

	t.Run("opaque token", func(t *testing.T) {
		_, err := Inspect("not-a-jwt")

		require.Error(t, err)
	})
}

func TestExpiresWithin(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	withExp := func(exp time.Time) string {
		return sign(t, AccessClaims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)}})
	}

	tests := []struct {
		name   string
		token  string
		expect bool
	}{
		{"far from expiry", withExp(now.Add(10 * time.Minute)), false},
		{"inside leeway", withExp(now.Add(20 * time.Second)), true},
		{"already expired", withExp(now.Add(-time.Minute)), true},
		{"no exp claim", sign(t, AccessClaims{}), false},
		{"opaque", "opaque-token", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expect, ExpiresWithin(tt.token, now, 30*time.Second))
		})
	}
}
