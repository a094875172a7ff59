package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/stepauth/internal/apperrors"
	"github.com/nkiryanov/stepauth/internal/logger"
	"github.com/nkiryanov/stepauth/internal/models"
	"github.com/nkiryanov/stepauth/internal/repository/memory"
)

// flakyRepo fails on demand
type flakyRepo struct {
	*memory.EntryRepo
	getErr error
	putErr error
}

func (r *flakyRepo) Get(ctx context.Context, key string) ([]byte, error) {
	if r.getErr != nil {
		return nil, r.getErr
	}
	return r.EntryRepo.Get(ctx, key)
}

func (r *flakyRepo) Put(ctx context.Context, entries map[string][]byte) error {
	if r.putErr != nil {
		return r.putErr
	}
	return r.EntryRepo.Put(ctx, entries)
}

func mustSealer(t *testing.T, key string) Sealer {
	t.Helper()
	s, err := NewSealer(key)
	require.NoError(t, err)
	return s
}

func newSession(access, refresh string) models.Session {
	return models.Session{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    900,
		IssuedAt:     time.Date(2025, 3, 1, 10, 0, 0, 123, time.UTC),
		Profile:      &models.UserProfile{ID: "7", Email: "user@example.com"},
	}
}

func TestStore(t *testing.T) {
	const secret = "0123456789abcdef0123456789abcdef"

	t.Run("set then get", func(t *testing.T) {
		store := NewStore(memory.NewEntryRepo(), mustSealer(t, secret), logger.NewNoOpLogger())
		sess := newSession("a1", "r1")

		err := store.Set(t.Context(), sess)

		require.NoError(t, err)
		got, ok := store.Get()
		require.True(t, ok)
		require.Equal(t, sess, got)
		require.True(t, store.IsActive())
	})

	t.Run("get returns a copy", func(t *testing.T) {
		store := NewStore(memory.NewEntryRepo(), mustSealer(t, ""), logger.NewNoOpLogger())
		require.NoError(t, store.Set(t.Context(), newSession("a1", "r1")))

		got, _ := store.Get()
		got.Profile.Email = "changed@example.com"

		again, _ := store.Get()
		require.Equal(t, "user@example.com", again.Profile.Email)
	})

	t.Run("incomplete session rejected", func(t *testing.T) {
		store := NewStore(memory.NewEntryRepo(), mustSealer(t, ""), logger.NewNoOpLogger())
		require.NoError(t, store.Set(t.Context(), newSession("a1", "r1")))

		err := store.Set(t.Context(), newSession("a2", ""))

		require.ErrorIs(t, err, apperrors.ErrIncompleteSession)
		got, ok := store.Get()
		require.True(t, ok)
		require.Equal(t, "a1", got.AccessToken, "previous session must stay")
	})

	t.Run("persist failure keeps previous session", func(t *testing.T) {
		repo := &flakyRepo{EntryRepo: memory.NewEntryRepo()}
		store := NewStore(repo, mustSealer(t, ""), logger.NewNoOpLogger())
		require.NoError(t, store.Set(t.Context(), newSession("a1", "r1")))
		repo.putErr = errors.New("disk full")

		err := store.Set(t.Context(), newSession("a2", "r2"))

		require.Error(t, err)
		got, _ := store.Get()
		require.Equal(t, "a1", got.AccessToken)
	})

	t.Run("clear is idempotent", func(t *testing.T) {
		repo := memory.NewEntryRepo()
		store := NewStore(repo, mustSealer(t, ""), logger.NewNoOpLogger())
		require.NoError(t, store.Set(t.Context(), newSession("a1", "r1")))

		require.NoError(t, store.Clear(t.Context()))
		require.NoError(t, store.Clear(t.Context()))

		_, ok := store.Get()
		require.False(t, ok)
		require.False(t, store.IsActive())
		require.Empty(t, repo.Keys())
	})

	t.Run("values are sealed at rest", func(t *testing.T) {
		repo := memory.NewEntryRepo()
		store := NewStore(repo, mustSealer(t, secret), logger.NewNoOpLogger())

		require.NoError(t, store.Set(t.Context(), newSession("access-plain", "refresh-plain")))

		raw, err := repo.Get(t.Context(), KeyAccessToken)
		require.NoError(t, err)
		require.False(t, bytes.Contains(raw, []byte("access-plain")))
	})
}

func TestStore_Load(t *testing.T) {
	const secret = "0123456789abcdef0123456789abcdef"

	t.Run("restores persisted session", func(t *testing.T) {
		repo := memory.NewEntryRepo()
		sess := newSession("a1", "r1")
		require.NoError(t, NewStore(repo, mustSealer(t, secret), logger.NewNoOpLogger()).Set(t.Context(), sess))

		store := NewStore(repo, mustSealer(t, secret), logger.NewNoOpLogger())
		ok := store.Load(t.Context())

		require.True(t, ok)
		got, _ := store.Get()
		assert.Equal(t, sess.AccessToken, got.AccessToken)
		assert.Equal(t, sess.RefreshToken, got.RefreshToken)
		assert.Equal(t, sess.TokenType, got.TokenType)
		assert.Equal(t, sess.ExpiresIn, got.ExpiresIn)
		assert.True(t, sess.IssuedAt.Equal(got.IssuedAt))
		assert.Equal(t, sess.Profile, got.Profile)
	})

	t.Run("restores session without profile", func(t *testing.T) {
		repo := memory.NewEntryRepo()
		sess := newSession("a1", "r1")
		sess.Profile = nil
		require.NoError(t, NewStore(repo, mustSealer(t, ""), logger.NewNoOpLogger()).Set(t.Context(), sess))

		store := NewStore(repo, mustSealer(t, ""), logger.NewNoOpLogger())

		require.True(t, store.Load(t.Context()))
		got, _ := store.Get()
		require.Nil(t, got.Profile)
	})

	t.Run("nothing persisted", func(t *testing.T) {
		store := NewStore(memory.NewEntryRepo(), mustSealer(t, ""), logger.NewNoOpLogger())

		require.False(t, store.Load(t.Context()))
		require.False(t, store.IsActive())
	})

	corrupt := []struct {
		name    string
		entries map[string][]byte
	}{
		{"access without refresh", map[string][]byte{KeyAccessToken: []byte("a1")}},
		{"refresh without access", map[string][]byte{KeyRefreshToken: []byte("r1")}},
		{"leftover profile only", map[string][]byte{KeyProfile: []byte(`{"id":"7"}`)}},
		{"bad expiry", map[string][]byte{KeyAccessToken: []byte("a1"), KeyRefreshToken: []byte("r1"), KeyExpiresIn: []byte("soon")}},
		{"bad issued at", map[string][]byte{KeyAccessToken: []byte("a1"), KeyRefreshToken: []byte("r1"), KeyIssuedAt: []byte("yesterday")}},
		{"bad profile", map[string][]byte{KeyAccessToken: []byte("a1"), KeyRefreshToken: []byte("r1"), KeyProfile: []byte("{")}},
	}
	for _, tt := range corrupt {
		t.Run("wipes "+tt.name, func(t *testing.T) {
			repo := memory.NewEntryRepo()
			require.NoError(t, repo.Put(t.Context(), tt.entries))
			store := NewStore(repo, mustSealer(t, ""), logger.NewNoOpLogger())

			ok := store.Load(t.Context())

			require.False(t, ok)
			require.False(t, store.IsActive())
			require.Empty(t, repo.Keys(), "corrupt record must be wiped")
		})
	}

	t.Run("wipes entries sealed with another key", func(t *testing.T) {
		repo := memory.NewEntryRepo()
		require.NoError(t, NewStore(repo, mustSealer(t, secret), logger.NewNoOpLogger()).Set(t.Context(), newSession("a1", "r1")))

		store := NewStore(repo, mustSealer(t, "another-secret-key"), logger.NewNoOpLogger())

		require.False(t, store.Load(t.Context()))
		require.Empty(t, repo.Keys())
	})

	t.Run("read failure keeps persisted data", func(t *testing.T) {
		repo := &flakyRepo{EntryRepo: memory.NewEntryRepo()}
		require.NoError(t, NewStore(repo, mustSealer(t, ""), logger.NewNoOpLogger()).Set(t.Context(), newSession("a1", "r1")))
		repo.getErr = errors.New("io error")

		store := NewStore(repo, mustSealer(t, ""), logger.NewNoOpLogger())

		require.False(t, store.Load(t.Context()))
		require.Len(t, repo.Keys(), len(allKeys))
	})
}

func TestStore_RotateTokens(t *testing.T) {
	newStore := func(t *testing.T) *Store {
		store := NewStore(memory.NewEntryRepo(), mustSealer(t, ""), logger.NewNoOpLogger())
		require.NoError(t, store.Set(t.Context(), newSession("a1", "r1")))
		return store
	}
	issued := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)

	t.Run("keeps refresh token and profile when not rotated", func(t *testing.T) {
		store := newStore(t)

		got, err := store.RotateTokens(t.Context(), TokenUpdate{UsedRefreshToken: "r1", AccessToken: "a2", ExpiresIn: 60, IssuedAt: issued})

		require.NoError(t, err)
		require.Equal(t, "a2", got.AccessToken)
		require.Equal(t, "r1", got.RefreshToken)
		require.Equal(t, "bearer", got.TokenType)
		require.Equal(t, 60, got.ExpiresIn)
		require.Equal(t, "7", got.Profile.ID)

		current, _ := store.Get()
		require.Equal(t, got, current)
	})

	t.Run("takes rotated refresh token", func(t *testing.T) {
		store := newStore(t)

		got, err := store.RotateTokens(t.Context(), TokenUpdate{UsedRefreshToken: "r1", AccessToken: "a2", RefreshToken: "r2", IssuedAt: issued})

		require.NoError(t, err)
		require.Equal(t, "r2", got.RefreshToken)
	})

	t.Run("cleared meanwhile", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Clear(t.Context()))

		_, err := store.RotateTokens(t.Context(), TokenUpdate{UsedRefreshToken: "r1", AccessToken: "a2"})

		require.ErrorIs(t, err, apperrors.ErrUnauthenticated)
		require.False(t, store.IsActive())
	})

	t.Run("replaced meanwhile", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Set(t.Context(), newSession("b1", "s1")))

		_, err := store.RotateTokens(t.Context(), TokenUpdate{UsedRefreshToken: "r1", AccessToken: "a2"})

		require.ErrorIs(t, err, ErrReplaced)
		got, _ := store.Get()
		require.Equal(t, "b1", got.AccessToken)
	})
}

func TestStore_ClearIf(t *testing.T) {
	tests := []struct {
		name       string
		refresh    string
		wantErr    error
		wantActive bool
	}{
		{name: "same session", refresh: "r1", wantErr: nil, wantActive: false},
		{name: "replaced session", refresh: "r0", wantErr: ErrReplaced, wantActive: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := memory.NewEntryRepo()
			store := NewStore(repo, mustSealer(t, ""), logger.NewNoOpLogger())
			require.NoError(t, store.Set(t.Context(), newSession("a1", "r1")))

			err := store.ClearIf(t.Context(), tt.refresh)

			require.ErrorIs(t, err, tt.wantErr)
			require.Equal(t, tt.wantActive, store.IsActive())
			if tt.wantActive {
				got, _ := store.Get()
				require.Equal(t, "r1", got.RefreshToken)
				require.NotEmpty(t, repo.Keys())
			} else {
				require.Empty(t, repo.Keys())
			}
		})
	}

	t.Run("no session", func(t *testing.T) {
		store := NewStore(memory.NewEntryRepo(), mustSealer(t, ""), logger.NewNoOpLogger())

		require.NoError(t, store.ClearIf(t.Context(), "r1"))
		require.False(t, store.IsActive())
	})
}

func TestStore_SetProfile(t *testing.T) {
	t.Run("updates cached profile", func(t *testing.T) {
		store := NewStore(memory.NewEntryRepo(), mustSealer(t, ""), logger.NewNoOpLogger())
		require.NoError(t, store.Set(t.Context(), newSession("a1", "r1")))

		err := store.SetProfile(t.Context(), models.UserProfile{ID: "7", Email: "user@example.com", SecondFactorEnabled: true})

		require.NoError(t, err)
		got, _ := store.Get()
		require.True(t, got.Profile.SecondFactorEnabled)
		require.Equal(t, "a1", got.AccessToken)
	})

	t.Run("requires session", func(t *testing.T) {
		store := NewStore(memory.NewEntryRepo(), mustSealer(t, ""), logger.NewNoOpLogger())

		err := store.SetProfile(t.Context(), models.UserProfile{ID: "7"})

		require.ErrorIs(t, err, apperrors.ErrUnauthenticated)
	})
}

func TestStore_ConcurrentReaders(t *testing.T) {
	store := NewStore(memory.NewEntryRepo(), mustSealer(t, ""), logger.NewNoOpLogger())
	pairs := []models.Session{newSession("a1", "r1"), newSession("a2", "r2")}
	require.NoError(t, store.Set(t.Context(), pairs[0]))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = store.Set(context.Background(), pairs[i%2])
		}
		close(stop)
	}()

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				got, ok := store.Get()
				if !ok {
					continue
				}
				// Tokens of one session never mix with another
				assert.Equal(t, got.AccessToken[1:], got.RefreshToken[1:])
			}
		}()
	}

	wg.Wait()
}
