package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// FakeQRCode is returned by the fake identity server as enrollment QR image
var FakeQRCode = []byte("\x89PNG\r\n\x1a\nfake-qr")

type IdentityConfig struct {
	// Secret key to sign access tokens
	// If not set than random one is used
	SecretKey string

	// Access token lifetime reported to clients
	// If not set than 15 minutes
	AccessTTL time.Duration

	// The only one-time code the server accepts
	// If not set than "123456"
	ValidCode string

	// Wrong codes in a row after which sign-in answers 423 Locked
	// Zero never locks
	LockAfter int
}

type identityUser struct {
	id           uuid.UUID
	email        string
	passwordHash []byte
	mfa          bool
	setupStarted bool
	failures     int
}

// IdentityServer is an in-process stand-in for the identity service
//
// It speaks the same JSON contract: bcrypt hashed passwords, HS256 signed
// access tokens, single use rotating refresh tokens and errors as {"detail": ...}.
type IdentityServer struct {
	URL string

	cfg IdentityConfig

	mu      sync.Mutex
	users   map[string]*identityUser // by email
	access  map[string]uuid.UUID     // token id -> user
	refresh map[string]uuid.UUID     // refresh token -> user
	hits    map[string]int           // by path
}

// StartIdentityServer runs the fake server until the test ends
func StartIdentityServer(t *testing.T, cfg IdentityConfig) *IdentityServer {
	t.Helper()

	if cfg.SecretKey == "" {
		cfg.SecretKey = rand.Text()
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.ValidCode == "" {
		cfg.ValidCode = "123456"
	}

	s := &IdentityServer{
		cfg:     cfg,
		users:   make(map[string]*identityUser),
		access:  make(map[string]uuid.UUID),
		refresh: make(map[string]uuid.UUID),
		hits:    make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/signup", s.signup)
	mux.HandleFunc("POST /auth/login", s.login)
	mux.HandleFunc("POST /auth/refresh", s.refreshTokens)
	mux.HandleFunc("POST /auth/logout", s.authenticated(s.logout))
	mux.HandleFunc("POST /mfa/setup", s.authenticated(s.mfaSetup))
	mux.HandleFunc("POST /mfa/verify", s.authenticated(s.mfaVerify))
	mux.HandleFunc("POST /mfa/disable", s.authenticated(s.mfaDisable))
	mux.HandleFunc("GET /mfa/status", s.authenticated(s.mfaStatus))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(server.Close)

	s.URL = server.URL
	return s
}

// AddUser registers an account directly, bypassing sign up
func (s *IdentityServer) AddUser(t *testing.T, email, password string, mfa bool) uuid.UUID {
	t.Helper()

	hash, err := hashPassword(password)
	require.NoError(t, err)

	s.mu.Lock()
	defer s.mu.Unlock()

	u := &identityUser{id: uuid.New(), email: email, passwordHash: hash, mfa: mfa}
	s.users[email] = u
	return u.id
}

// ExpireAccessTokens invalidates every access token issued so far
func (s *IdentityServer) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.access)
}

// RevokeRefreshTokens invalidates every refresh token issued so far
func (s *IdentityServer) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.refresh)
}

// Hits is the number of requests received on path
func (s *IdentityServer) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hits[path]
}

// SecondFactorEnabled reports the server side view of the account
func (s *IdentityServer) SecondFactorEnabled(email string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[email]
	return ok && u.mfa
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code"`
}

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	MFAEnabled   bool   `json:"mfa_enabled"`
	RequiresMFA  bool   `json:"requires_mfa"`
}

func (s *IdentityServer) signup(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid request")
		return
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[req.Email]; ok {
		writeDetail(w, http.StatusBadRequest, "Email already registered")
		return
	}
	s.users[req.Email] = &identityUser{id: uuid.New(), email: req.Email, passwordHash: hash}

	writeJSON(w, http.StatusOK, map[string]string{"message": "User created successfully"})
}

func (s *IdentityServer) login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid request")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[req.Email]
	if !ok || comparePassword(u.passwordHash, req.Password) != nil {
		writeDetail(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	if u.mfa {
		if s.cfg.LockAfter > 0 && u.failures >= s.cfg.LockAfter {
			writeDetail(w, http.StatusLocked, "Too many failed attempts")
			return
		}
		if req.TOTPCode == "" {
			writeJSON(w, http.StatusOK, tokenPair{TokenType: "bearer", MFAEnabled: true, RequiresMFA: true})
			return
		}
		if req.TOTPCode != s.cfg.ValidCode {
			u.failures++
			if s.cfg.LockAfter > 0 && u.failures >= s.cfg.LockAfter {
				writeDetail(w, http.StatusLocked, "Too many failed attempts")
				return
			}
			writeDetail(w, http.StatusUnauthorized, "Invalid TOTP code")
			return
		}
		u.failures = 0
	}

	s.issueLocked(w, u)
}

func (s *IdentityServer) refreshTokens(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("refresh_token")

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.refresh[token]
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	delete(s.refresh, token)

	for _, u := range s.users {
		if u.id == id {
			s.issueLocked(w, u)
			return
		}
	}
	writeDetail(w, http.StatusUnauthorized, "Invalid refresh token")
}

func (s *IdentityServer) logout(w http.ResponseWriter, _ *http.Request, u *identityUser) {
	for jti, id := range s.access {
		if id == u.id {
			delete(s.access, jti)
		}
	}
	for token, id := range s.refresh {
		if id == u.id {
			delete(s.refresh, token)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully logged out"})
}

func (s *IdentityServer) mfaSetup(w http.ResponseWriter, _ *http.Request, u *identityUser) {
	if u.mfa {
		writeDetail(w, http.StatusBadRequest, "MFA already enabled")
		return
	}
	u.setupStarted = true

	writeJSON(w, http.StatusOK, map[string]any{
		"qr_code_base64": base64.StdEncoding.EncodeToString(FakeQRCode),
		"backup_codes":   []string{rand.Text()[:8], rand.Text()[:8]},
		"secret":         rand.Text(),
	})
}

func (s *IdentityServer) mfaVerify(w http.ResponseWriter, r *http.Request, u *identityUser) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid request")
		return
	}
	if !u.setupStarted {
		writeDetail(w, http.StatusBadRequest, "MFA setup not initiated")
		return
	}
	if req.TOTPCode != s.cfg.ValidCode {
		writeDetail(w, http.StatusUnauthorized, "Invalid TOTP code")
		return
	}

	u.mfa = true
	u.setupStarted = false
	writeJSON(w, http.StatusOK, map[string]string{"message": "MFA enabled successfully"})
}

func (s *IdentityServer) mfaDisable(w http.ResponseWriter, r *http.Request, u *identityUser) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid request")
		return
	}
	if comparePassword(u.passwordHash, req.Password) != nil {
		writeDetail(w, http.StatusUnauthorized, "Invalid password")
		return
	}

	u.mfa = false
	writeJSON(w, http.StatusOK, map[string]string{"message": "MFA disabled successfully"})
}

func (s *IdentityServer) mfaStatus(w http.ResponseWriter, _ *http.Request, u *identityUser) {
	writeJSON(w, http.StatusOK, map[string]bool{"mfa_enabled": u.mfa, "has_backup_codes": u.mfa})
}

// authenticated resolves the bearer token; handlers run with s.mu held
func (s *IdentityServer) authenticated(next func(http.ResponseWriter, *http.Request, *identityUser)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		access, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeDetail(w, http.StatusUnauthorized, "Not authenticated")
			return
		}

		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(access, claims, func(*jwt.Token) (any, error) {
			return []byte(s.cfg.SecretKey), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

		s.mu.Lock()
		defer s.mu.Unlock()

		id, known := s.access[claims.ID]
		if err != nil || !known {
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		for _, u := range s.users {
			if u.id == id {
				next(w, r, u)
				return
			}
		}
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
	}
}

func (s *IdentityServer) issueLocked(w http.ResponseWriter, u *identityUser) {
	now := time.Now().Truncate(time.Second)
	jti := uuid.NewString()

	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        jti,
		Subject:   u.id.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTTL)),
	}).SignedString([]byte(s.cfg.SecretKey))
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	b := make([]byte, 16)
	_, _ = rand.Read(b)
	refresh := hex.EncodeToString(b)

	s.access[jti] = u.id
	s.refresh[refresh] = u.id

	writeJSON(w, http.StatusOK, tokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(s.cfg.AccessTTL.Seconds()),
		MFAEnabled:   u.mfa,
	})
}

// Passwords are pre-hashed with sha256 to get around bcrypt 72 bytes limit
func hashPassword(password string) ([]byte, error) {
	sum := sha256.Sum256([]byte(password))
	return bcrypt.GenerateFromPassword(sum[:], bcrypt.MinCost)
}

func comparePassword(hash []byte, password string) error {
	sum := sha256.Sum256([]byte(password))
	return bcrypt.CompareHashAndPassword(hash, sum[:])
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
