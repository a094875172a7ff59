package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealer(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		s := mustSealer(t, "secret")

		sealed, err := s.Seal(KeyAccessToken, []byte("token"))
		require.NoError(t, err)
		opened, err := s.Open(KeyAccessToken, sealed)

		require.NoError(t, err)
		require.Equal(t, []byte("token"), opened)
	})

	t.Run("nonce differs between seals", func(t *testing.T) {
		s := mustSealer(t, "secret")

		a, err := s.Seal(KeyAccessToken, []byte("token"))
		require.NoError(t, err)
		b, err := s.Seal(KeyAccessToken, []byte("token"))
		require.NoError(t, err)

		require.NotEqual(t, a, b)
	})

	t.Run("value bound to entry name", func(t *testing.T) {
		s := mustSealer(t, "secret")
		sealed, err := s.Seal(KeyAccessToken, []byte("token"))
		require.NoError(t, err)

		_, err = s.Open(KeyRefreshToken, sealed)

		require.Error(t, err)
	})

	t.Run("truncated value", func(t *testing.T) {
		s := mustSealer(t, "secret")

		_, err := s.Open(KeyAccessToken, []byte("short"))

		require.Error(t, err)
	})

	t.Run("no key stores plain", func(t *testing.T) {
		s := mustSealer(t, "")

		sealed, err := s.Seal(KeyAccessToken, []byte("token"))

		require.NoError(t, err)
		require.Equal(t, []byte("token"), sealed)
	})
}
