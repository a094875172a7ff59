// Package repotest holds behaviour every EntryRepo implementation must share.
package repotest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/stepauth/internal/apperrors"
	"github.com/nkiryanov/stepauth/internal/repository"
)

// Run checks repo contract; newRepo must return an empty repository
func Run(t *testing.T, newRepo func(t *testing.T) repository.EntryRepo) {
	t.Run("get missing key", func(t *testing.T) {
		repo := newRepo(t)

		_, err := repo.Get(t.Context(), "absent")

		require.ErrorIs(t, err, apperrors.ErrKeyNotFound)
	})

	t.Run("put then get", func(t *testing.T) {
		repo := newRepo(t)

		err := repo.Put(t.Context(), map[string][]byte{
			"access_token":  []byte("a1"),
			"refresh_token": []byte("r1"),
		})
		require.NoError(t, err)

		got, err := repo.Get(t.Context(), "access_token")
		require.NoError(t, err)
		require.Equal(t, []byte("a1"), got)

		got, err = repo.Get(t.Context(), "refresh_token")
		require.NoError(t, err)
		require.Equal(t, []byte("r1"), got)
	})

	t.Run("put overwrites", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put(t.Context(), map[string][]byte{"k": []byte("old")}))

		require.NoError(t, repo.Put(t.Context(), map[string][]byte{"k": []byte("new")}))

		got, err := repo.Get(t.Context(), "k")
		require.NoError(t, err)
		require.Equal(t, []byte("new"), got)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put(t.Context(), map[string][]byte{"a": []byte("1"), "b": []byte("2")}))

		require.NoError(t, repo.Delete(t.Context(), "a", "b", "never-existed"))
		require.NoError(t, repo.Delete(t.Context(), "a", "b"))

		_, err := repo.Get(t.Context(), "a")
		require.ErrorIs(t, err, apperrors.ErrKeyNotFound)
		_, err = repo.Get(t.Context(), "b")
		require.ErrorIs(t, err, apperrors.ErrKeyNotFound)
	})

	t.Run("returned value is a copy", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put(t.Context(), map[string][]byte{"k": []byte("value")}))

		got, err := repo.Get(t.Context(), "k")
		require.NoError(t, err)
		got[0] = 'X'

		again, err := repo.Get(t.Context(), "k")
		require.NoError(t, err)
		require.Equal(t, []byte("value"), again)
	})
}
