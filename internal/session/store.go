// Package session keeps the process-wide record of the signed-in user.
//
// Store is the single source of truth for "is a session active". Readers get
// an atomic snapshot, writers are serialized and persist before they publish,
// so a reader observes either the complete previous session or the complete
// new one.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nkiryanov/stepauth/internal/apperrors"
	"github.com/nkiryanov/stepauth/internal/logger"
	"github.com/nkiryanov/stepauth/internal/models"
	"github.com/nkiryanov/stepauth/internal/repository"
)

// Persisted entry names
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyTokenType    = "token_type"
	KeyExpiresIn    = "expires_in"
	KeyIssuedAt     = "issued_at"
	KeyProfile      = "profile"
)

var allKeys = []string{KeyAccessToken, KeyRefreshToken, KeyTokenType, KeyExpiresIn, KeyIssuedAt, KeyProfile}

// ErrReplaced is returned by RotateTokens when the session was replaced while the refresh was in flight
var ErrReplaced = errors.New("session replaced during refresh")

var errCorrupt = errors.New("persisted session is corrupt")

// TokenUpdate carries renewed tokens
// Empty RefreshToken and TokenType keep the current values.
type TokenUpdate struct {
	// Refresh token the renewal was made with
	UsedRefreshToken string

	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int
	IssuedAt     time.Time
}

type Store struct {
	repo   repository.EntryRepo
	sealer Sealer
	logger logger.Logger

	writeMu sync.Mutex
	current atomic.Pointer[models.Session]
}

func NewStore(repo repository.EntryRepo, sealer Sealer, l logger.Logger) *Store {
	return &Store{
		repo:   repo,
		sealer: sealer,
		logger: l.With("component", "session"),
	}
}

// Load hydrates the store from the repository and reports whether a session was found
// Corrupt data is wiped and treated as no session; an unreadable repository is treated as no session.
func (s *Store) Load(ctx context.Context) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sess, found, err := s.read(ctx)
	switch {
	case err == nil && found:
		s.current.Store(&sess)
		s.logger.Debug("Session restored", "expires_at", sess.ExpiresAt())
		return true
	case err == nil:
		s.current.Store(nil)
		return false
	case errors.Is(err, errCorrupt):
		s.current.Store(nil)
		s.logger.Warn("Persisted session is corrupt, wiping it", "error", err)
		if err := s.repo.Delete(ctx, allKeys...); err != nil {
			s.logger.Error("Failed to wipe corrupt session", "error", err)
		}
		return false
	default:
		s.current.Store(nil)
		s.logger.Error("Failed to read persisted session", "error", err)
		return false
	}
}

// Set replaces the session; both tokens are required
func (s *Store) Set(ctx context.Context, sess models.Session) error {
	if !sess.Complete() {
		return apperrors.ErrIncompleteSession
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.publish(ctx, sess)
}

// Get returns a copy of the current session
func (s *Store) Get() (models.Session, bool) {
	p := s.current.Load()
	if p == nil {
		return models.Session{}, false
	}
	return p.Clone(), true
}

// IsActive is a local check, the server is not asked
func (s *Store) IsActive() bool {
	p := s.current.Load()
	return p != nil && p.AccessToken != ""
}

// Clear forgets the session; calling it without a session is fine
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.clearLocked(ctx)
}

// ClearIf clears the session only while it still holds the given refresh token.
// Returns ErrReplaced if a newer session took its place.
func (s *Store) ClearIf(ctx context.Context, refreshToken string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if cur := s.current.Load(); cur != nil && cur.RefreshToken != refreshToken {
		return ErrReplaced
	}
	return s.clearLocked(ctx)
}

func (s *Store) clearLocked(ctx context.Context) error {
	s.current.Store(nil)

	if err := s.repo.Delete(ctx, allKeys...); err != nil {
		return fmt.Errorf("error while deleting persisted session. Err: %w", err)
	}
	return nil
}

// RotateTokens swaps in renewed tokens keeping the profile
func (s *Store) RotateTokens(ctx context.Context, upd TokenUpdate) (models.Session, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.current.Load()
	if cur == nil {
		return models.Session{}, apperrors.ErrUnauthenticated
	}
	if upd.UsedRefreshToken != "" && cur.RefreshToken != upd.UsedRefreshToken {
		return models.Session{}, ErrReplaced
	}

	next := cur.Clone()
	next.AccessToken = upd.AccessToken
	next.ExpiresIn = upd.ExpiresIn
	next.IssuedAt = upd.IssuedAt
	if upd.RefreshToken != "" {
		next.RefreshToken = upd.RefreshToken
	}
	if upd.TokenType != "" {
		next.TokenType = upd.TokenType
	}

	if err := s.publish(ctx, next); err != nil {
		return models.Session{}, err
	}
	return next.Clone(), nil
}

// SetProfile replaces the cached profile of the current session
func (s *Store) SetProfile(ctx context.Context, profile models.UserProfile) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.current.Load()
	if cur == nil {
		return apperrors.ErrUnauthenticated
	}

	next := cur.Clone()
	next.Profile = &profile

	return s.publish(ctx, next)
}

// publish persists sess and then makes it visible; must be called with writeMu held
func (s *Store) publish(ctx context.Context, sess models.Session) error {
	if !sess.Complete() {
		return apperrors.ErrIncompleteSession
	}

	entries, err := s.encode(sess)
	if err != nil {
		return err
	}

	if err := s.repo.Put(ctx, entries); err != nil {
		return fmt.Errorf("error while persisting session. Err: %w", err)
	}

	published := sess.Clone()
	s.current.Store(&published)
	return nil
}

func (s *Store) encode(sess models.Session) (map[string][]byte, error) {
	profile, err := json.Marshal(sess.Profile)
	if err != nil {
		return nil, fmt.Errorf("error while encoding profile. Err: %w", err)
	}

	issuedAt := ""
	if !sess.IssuedAt.IsZero() {
		issuedAt = sess.IssuedAt.Format(time.RFC3339Nano)
	}

	plain := map[string][]byte{
		KeyAccessToken:  []byte(sess.AccessToken),
		KeyRefreshToken: []byte(sess.RefreshToken),
		KeyTokenType:    []byte(sess.TokenType),
		KeyExpiresIn:    []byte(strconv.Itoa(sess.ExpiresIn)),
		KeyIssuedAt:     []byte(issuedAt),
		KeyProfile:      profile,
	}

	entries := make(map[string][]byte, len(plain))
	for name, value := range plain {
		sealed, err := s.sealer.Seal(name, value)
		if err != nil {
			return nil, fmt.Errorf("error while sealing %s. Err: %w", name, err)
		}
		entries[name] = sealed
	}
	return entries, nil
}

// read returns found=false when nothing is persisted at all
func (s *Store) read(ctx context.Context) (models.Session, bool, error) {
	var sess models.Session
	values := make(map[string][]byte, len(allKeys))

	for _, name := range allKeys {
		sealed, err := s.repo.Get(ctx, name)
		switch {
		case err == nil:
		case errors.Is(err, apperrors.ErrKeyNotFound):
			continue
		default:
			return sess, false, err
		}

		value, err := s.sealer.Open(name, sealed)
		if err != nil {
			return sess, false, fmt.Errorf("%w: %s: %w", errCorrupt, name, err)
		}
		values[name] = value
	}

	if len(values) == 0 {
		return sess, false, nil
	}

	sess.AccessToken = string(values[KeyAccessToken])
	sess.RefreshToken = string(values[KeyRefreshToken])
	sess.TokenType = string(values[KeyTokenType])
	if !sess.Complete() {
		return sess, false, fmt.Errorf("%w: token pair is incomplete", errCorrupt)
	}

	if raw, ok := values[KeyExpiresIn]; ok && len(raw) > 0 {
		n, err := strconv.Atoi(string(raw))
		if err != nil {
			return sess, false, fmt.Errorf("%w: expires_in: %w", errCorrupt, err)
		}
		sess.ExpiresIn = n
	}

	if raw, ok := values[KeyIssuedAt]; ok && len(raw) > 0 {
		issuedAt, err := time.Parse(time.RFC3339Nano, string(raw))
		if err != nil {
			return sess, false, fmt.Errorf("%w: issued_at: %w", errCorrupt, err)
		}
		sess.IssuedAt = issuedAt
	}

	if raw, ok := values[KeyProfile]; ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &sess.Profile); err != nil {
			return sess, false, fmt.Errorf("%w: profile: %w", errCorrupt, err)
		}
	}

	return sess, true, nil
}
