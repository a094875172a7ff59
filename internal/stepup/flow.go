// Package stepup drives sign-in with an optional second factor and manages that factor.
//
// A Flow moves Idle → CredentialsSubmitted → Established, or through
// SecondFactorPending when the service asks for a one-time code. Cancel or an
// expired challenge window moves it to Abandoned. Every state change bumps an
// epoch; an exchange that returns under another epoch is dropped and never
// touches the session store.
package stepup

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nkiryanov/stepauth/internal/apperrors"
	"github.com/nkiryanov/stepauth/internal/logger"
	"github.com/nkiryanov/stepauth/internal/metrics"
	"github.com/nkiryanov/stepauth/internal/models"
	"github.com/nkiryanov/stepauth/internal/session"
	"github.com/nkiryanov/stepauth/internal/tokens"
	"github.com/nkiryanov/stepauth/internal/transport"
	"github.com/nkiryanov/stepauth/internal/validate"
)

const defaultChallengeTTL = 5 * time.Minute

// Caller sends authenticated requests; implemented by gateway.Gateway
type Caller interface {
	Call(ctx context.Context, op transport.Operation, payload any, out any) error
}

type Config struct {
	// How long a second factor challenge may be answered
	// If not set than default is used
	ChallengeTTL time.Duration
}

type Flow struct {
	transport transport.Transport
	gateway   Caller
	store     *session.Store
	logger    logger.Logger
	metrics   *metrics.Metrics
	ttl       time.Duration
	now       func() time.Time

	mu         sync.Mutex
	state      State
	epoch      uint64
	busy       bool
	challenge  *challenge
	timer      *time.Timer
	enrollment *models.Enrollment
}

// NewFlow starts Established if the store already holds a session, Idle otherwise
func NewFlow(cfg Config, t transport.Transport, gw Caller, store *session.Store, l logger.Logger, m *metrics.Metrics) *Flow {
	if cfg.ChallengeTTL == 0 {
		cfg.ChallengeTTL = defaultChallengeTTL
	}

	f := &Flow{
		transport: t,
		gateway:   gw,
		store:     store,
		logger:    l.With("component", "stepup"),
		metrics:   m,
		ttl:       cfg.ChallengeTTL,
		now:       time.Now,
		state:     StateIdle,
	}
	if store.IsActive() {
		f.state = StateEstablished
	}
	return f
}

func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.syncLocked()
	return f.state
}

// Busy reports whether a code verification is in flight
func (f *Flow) Busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.busy
}

// ChallengeExpiresAt is the deadline of the pending challenge, zero without one
func (f *Flow) ChallengeExpiresAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.challenge == nil {
		return time.Time{}
	}
	return f.challenge.expiresAt
}

// SubmitCredentials signs in with email and password
func (f *Flow) SubmitCredentials(ctx context.Context, email, password string) (State, error) {
	req := transport.LoginRequest{Email: strings.TrimSpace(email), Password: password}
	if err := validate.Struct(req); err != nil {
		return f.State(), err
	}

	f.mu.Lock()
	f.syncLocked()
	if f.state != StateIdle && f.state != StateAbandoned {
		state := f.state
		f.mu.Unlock()
		return state, fmt.Errorf("%w: can not sign in while %s", apperrors.ErrInvalidState, state)
	}
	f.setStateLocked(StateCredentialsSubmitted)
	epoch := f.epoch
	f.mu.Unlock()

	f.logger.Info("Submitting credentials", "email", req.Email)

	var body transport.TokenResponse
	resp, err := f.transport.Do(ctx, transport.Request{Operation: transport.OpLogin, Payload: req})
	if err == nil {
		err = resp.Decode(&body)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.epoch != epoch {
		f.logger.Debug("Dropping sign-in result of a cancelled attempt")
		return f.state, apperrors.ErrChallengeAbandoned
	}

	switch {
	case err != nil:
		f.setStateLocked(StateIdle)
		return f.state, fmt.Errorf("sign in failed: %w", err)

	case body.RequiresMFA:
		f.challenge = newChallenge(req.Email, password, body.MFAToken, f.now().Add(f.ttl))
		f.setStateLocked(StateSecondFactorPending)
		f.armTimerLocked()
		return f.state, nil

	case body.AccessToken != "" && body.RefreshToken != "":
		if err := f.establishLocked(ctx, req.Email, body); err != nil {
			f.setStateLocked(StateIdle)
			return f.state, err
		}
		return f.state, nil

	default:
		f.setStateLocked(StateIdle)
		return f.state, fmt.Errorf("%w: sign in response carries neither tokens nor a second factor request", apperrors.ErrServerRejected)
	}
}

// SubmitCode answers the pending second factor challenge
//
// A rejected code keeps the challenge open for another attempt, unless the
// server locks further attempts: then the flow is abandoned and the error
// wraps apperrors.ErrChallengeLocked.
func (f *Flow) SubmitCode(ctx context.Context, code string) (State, error) {
	f.mu.Lock()
	if f.state != StateSecondFactorPending {
		state := f.state
		f.mu.Unlock()
		return state, fmt.Errorf("%w: no second factor challenge while %s", apperrors.ErrInvalidState, state)
	}
	if f.busy {
		f.mu.Unlock()
		return StateSecondFactorPending, apperrors.ErrVerificationInProgress
	}
	if err := validate.Code(code); err != nil {
		f.mu.Unlock()
		return StateSecondFactorPending, err
	}

	req := f.challenge.loginRequest(code)
	f.busy = true
	epoch := f.epoch
	f.mu.Unlock()

	var body transport.TokenResponse
	resp, err := f.transport.Do(ctx, transport.Request{Operation: transport.OpLogin, Payload: req})
	if err == nil {
		err = resp.Decode(&body)
	}
	if err == nil && (body.AccessToken == "" || body.RefreshToken == "") {
		err = fmt.Errorf("%w: code accepted but no tokens issued", apperrors.ErrServerRejected)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.epoch != epoch {
		f.logger.Debug("Dropping code verification result of an abandoned challenge")
		return f.state, apperrors.ErrChallengeAbandoned
	}
	f.busy = false

	if err != nil {
		if se, ok := transport.AsServerError(err); ok && se.Throttled() {
			f.logger.Warn("Second factor locked by identity service", "status", se.Status)
			f.abandonLocked()
			return f.state, fmt.Errorf("%w: %w", apperrors.ErrChallengeLocked, err)
		}
		return f.state, fmt.Errorf("code verification failed: %w", err)
	}

	if err := f.establishLocked(ctx, req.Email, body); err != nil {
		return f.state, err
	}
	return f.state, nil
}

// Cancel abandons sign-in in progress
func (f *Flow) Cancel() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.syncLocked()
	switch f.state {
	case StateEstablished:
		return fmt.Errorf("%w: signed in already, sign out instead", apperrors.ErrInvalidState)
	case StateAbandoned:
		return nil
	default:
		f.abandonLocked()
		return nil
	}
}

// Signup registers a new account; it does not sign in
func (f *Flow) Signup(ctx context.Context, email, password string) (string, error) {
	req := transport.SignupRequest{Email: strings.TrimSpace(email), Password: password}
	if err := validate.Struct(req); err != nil {
		return "", err
	}

	resp, err := f.transport.Do(ctx, transport.Request{Operation: transport.OpSignup, Payload: req})
	if err != nil {
		return "", fmt.Errorf("sign up failed: %w", err)
	}

	var body transport.MessageResponse
	if err := resp.Decode(&body); err != nil {
		return "", err
	}

	f.logger.Info("Account registered", "email", req.Email)
	return body.Message, nil
}

// Logout forgets the session locally and tells the service, if it is reachable
func (f *Flow) Logout(ctx context.Context) error {
	f.mu.Lock()
	current, active := f.store.Get()
	f.challenge.wipe()
	f.challenge = nil
	f.stopTimerLocked()
	f.enrollment = nil
	f.setStateLocked(StateIdle)

	err := f.store.Clear(context.WithoutCancel(ctx))
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if !active {
		return nil
	}

	_, serr := f.transport.Do(ctx, transport.Request{Operation: transport.OpLogout, Token: current.AccessToken})
	if serr != nil {
		f.logger.Warn("Identity service was not notified about sign out", "error", serr)
	}

	f.logger.Info("Signed out")
	return nil
}

// BeginEnrollment asks the service for a new second factor secret
func (f *Flow) BeginEnrollment(ctx context.Context) (models.Enrollment, error) {
	if err := f.requireEstablished(); err != nil {
		return models.Enrollment{}, err
	}

	var body transport.MFASetupResponse
	err := f.gateway.Call(ctx, transport.OpMFASetup, nil, &body)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.syncLocked()
	if err != nil {
		return models.Enrollment{}, fmt.Errorf("second factor setup failed: %w", err)
	}
	if f.state != StateEstablished {
		return models.Enrollment{}, apperrors.ErrChallengeAbandoned
	}

	qr, err := decodeQRCode(body.QRCodeBase64)
	if err != nil {
		return models.Enrollment{}, err
	}

	enrollment := models.Enrollment{
		Secret:        body.Secret,
		QRCode:        qr,
		RecoveryCodes: body.BackupCodes,
	}
	f.enrollment = &enrollment

	return enrollment, nil
}

// ConfirmEnrollment proves the authenticator works; only then the factor is on
// A rejected code keeps the enrollment for another attempt.
func (f *Flow) ConfirmEnrollment(ctx context.Context, code string) error {
	f.mu.Lock()
	f.syncLocked()
	switch {
	case f.state != StateEstablished:
		state := f.state
		f.mu.Unlock()
		return fmt.Errorf("%w: not signed in (%s)", apperrors.ErrInvalidState, state)
	case f.enrollment == nil:
		f.mu.Unlock()
		return apperrors.ErrNoEnrollment
	case f.busy:
		f.mu.Unlock()
		return apperrors.ErrVerificationInProgress
	}
	if err := validate.Code(code); err != nil {
		f.mu.Unlock()
		return err
	}
	enrollment := f.enrollment
	f.busy = true
	epoch := f.epoch
	f.mu.Unlock()

	err := f.gateway.Call(ctx, transport.OpMFAVerify, transport.CodeRequest{TOTPCode: code}, nil)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.epoch != epoch {
		return apperrors.ErrChallengeAbandoned
	}
	f.busy = false

	if err != nil {
		f.syncLocked()
		return fmt.Errorf("second factor confirmation failed: %w", err)
	}

	if f.enrollment == enrollment {
		f.enrollment = nil
	}
	f.logger.Info("Second factor enabled")

	_, err = f.updateProfileLocked(ctx, true)
	return err
}

// CancelEnrollment discards enrollment material that was not confirmed
func (f *Flow) CancelEnrollment() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.enrollment = nil
}

// DisableSecondFactor turns the factor off; the current password is required
func (f *Flow) DisableSecondFactor(ctx context.Context, password string) error {
	req := transport.PasswordRequest{Password: password}
	if err := validate.Struct(req); err != nil {
		return err
	}
	if err := f.requireEstablished(); err != nil {
		return err
	}

	err := f.gateway.Call(ctx, transport.OpMFADisable, req, nil)

	f.mu.Lock()
	defer f.mu.Unlock()

	if err != nil {
		f.syncLocked()
		return fmt.Errorf("second factor disable failed: %w", err)
	}

	f.enrollment = nil
	f.logger.Info("Second factor disabled")

	_, err = f.updateProfileLocked(ctx, false)
	return err
}

// RefreshProfile asks the service whether the second factor is on and caches the answer
func (f *Flow) RefreshProfile(ctx context.Context) (models.UserProfile, error) {
	var body transport.MFAStatusResponse
	err := f.gateway.Call(ctx, transport.OpMFAStatus, nil, &body)

	f.mu.Lock()
	defer f.mu.Unlock()

	if err != nil {
		f.syncLocked()
		return models.UserProfile{}, err
	}
	return f.updateProfileLocked(ctx, body.MFAEnabled)
}

func (f *Flow) requireEstablished() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.syncLocked()
	if f.state != StateEstablished {
		return fmt.Errorf("%w: not signed in (%s)", apperrors.ErrUnauthenticated, f.state)
	}
	return nil
}

// establishLocked stores the granted session and finishes the flow
func (f *Flow) establishLocked(ctx context.Context, email string, body transport.TokenResponse) error {
	profile := &models.UserProfile{Email: email, SecondFactorEnabled: body.MFAEnabled}
	if info, err := tokens.Inspect(body.AccessToken); err == nil {
		profile.ID = info.Subject
	}

	tokenType := body.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}

	err := f.store.Set(context.WithoutCancel(ctx), models.Session{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		TokenType:    tokenType,
		ExpiresIn:    body.ExpiresIn,
		IssuedAt:     f.now(),
		Profile:      profile,
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	f.challenge.wipe()
	f.challenge = nil
	f.stopTimerLocked()
	f.setStateLocked(StateEstablished)
	f.logger.Info("Signed in", "email", email, "second_factor", body.MFAEnabled)

	return nil
}

// updateProfileLocked returns the profile it wrote, the store may be cleared right after
func (f *Flow) updateProfileLocked(ctx context.Context, secondFactor bool) (models.UserProfile, error) {
	current, ok := f.store.Get()
	if !ok {
		f.syncLocked()
		return models.UserProfile{}, apperrors.ErrUnauthenticated
	}

	profile := models.UserProfile{}
	if current.Profile != nil {
		profile = *current.Profile
	}
	profile.SecondFactorEnabled = secondFactor

	if err := f.store.SetProfile(context.WithoutCancel(ctx), profile); err != nil {
		if errors.Is(err, apperrors.ErrUnauthenticated) {
			f.syncLocked()
		}
		return models.UserProfile{}, err
	}
	return profile, nil
}

func (f *Flow) abandonLocked() {
	f.challenge.wipe()
	f.challenge = nil
	f.stopTimerLocked()
	f.setStateLocked(StateAbandoned)
}

// syncLocked falls back to Idle when the session disappeared underneath (expired refresh, sign out elsewhere)
func (f *Flow) syncLocked() {
	if f.state == StateEstablished && !f.store.IsActive() {
		f.enrollment = nil
		f.setStateLocked(StateIdle)
	}
}

func (f *Flow) setStateLocked(s State) {
	if f.state != s {
		f.logger.Debug("Flow state changed", "from", f.state.String(), "to", s.String())
	}
	f.state = s
	f.epoch++
	f.busy = false
	f.metrics.Transitions.WithLabelValues(s.String()).Inc()
}

func (f *Flow) armTimerLocked() {
	f.stopTimerLocked()

	epoch := f.epoch
	f.timer = time.AfterFunc(f.ttl, func() {
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.epoch == epoch && f.state == StateSecondFactorPending {
			f.logger.Info("Second factor challenge expired")
			f.abandonLocked()
		}
	})
}

func (f *Flow) stopTimerLocked() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

func decodeQRCode(encoded string) ([]byte, error) {
	// Some servers send a data URL instead of bare base64
	if i := strings.Index(encoded, ","); strings.HasPrefix(encoded, "data:") && i >= 0 {
		encoded = encoded[i+1:]
	}

	qr, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed QR code: %w", apperrors.ErrServerRejected, err)
	}
	return qr, nil
}
