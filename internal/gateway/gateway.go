// Package gateway sends authenticated requests and recovers from an expired access token.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nkiryanov/stepauth/internal/apperrors"
	"github.com/nkiryanov/stepauth/internal/logger"
	"github.com/nkiryanov/stepauth/internal/metrics"
	"github.com/nkiryanov/stepauth/internal/models"
	"github.com/nkiryanov/stepauth/internal/session"
	"github.com/nkiryanov/stepauth/internal/tokens"
	"github.com/nkiryanov/stepauth/internal/transport"
)

// Refresher renews the session after the access token was rejected; implemented by refresh.Coordinator
type Refresher interface {
	Renew(ctx context.Context, rejected string) (models.Session, error)
}

// Operations proving a code or password; the service answers a wrong one with 401 as well
var proofOperations = map[transport.Operation]bool{
	transport.OpMFAVerify:  true,
	transport.OpMFADisable: true,
}

type Config struct {
	// Renew before sending when the access token expires within this window
	// Zero disables proactive renewal, renewal then happens on authorization failure only
	RefreshLeeway time.Duration
}

type Gateway struct {
	transport transport.Transport
	store     *session.Store
	refresher Refresher
	logger    logger.Logger
	metrics   *metrics.Metrics

	leeway time.Duration
	now    func() time.Time
}

func New(cfg Config, t transport.Transport, store *session.Store, r Refresher, l logger.Logger, m *metrics.Metrics) *Gateway {
	return &Gateway{
		transport: t,
		store:     store,
		refresher: r,
		logger:    l.With("component", "gateway"),
		metrics:   m,
		leeway:    cfg.RefreshLeeway,
		now:       time.Now,
	}
}

// Do sends the request with the current access token
//
// On authorization failure the token is renewed and the request is sent once
// more; the result of that second attempt is returned as is. Second factor
// verification and disabling are replayed only when the token had expired.
// Any other failure is returned unchanged. If renewal fails the error wraps
// apperrors.ErrSessionExpired and the session is gone.
func (g *Gateway) Do(ctx context.Context, op transport.Operation, payload any) (*transport.Response, error) {
	current, ok := g.store.Get()
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, apperrors.ErrUnauthenticated)
	}
	token := current.AccessToken

	if g.leeway > 0 && tokens.ExpiresWithin(token, g.now(), g.leeway) {
		g.logger.Debug("Access token about to expire, renewing before sending", "operation", op)
		renewed, err := g.refresher.Renew(ctx, token)
		if err != nil {
			return nil, g.renewalFailed(ctx, err)
		}
		return g.send(ctx, op, payload, renewed.AccessToken)
	}

	resp, err := g.send(ctx, op, payload, token)
	if !transport.IsUnauthorized(err) {
		return resp, err
	}

	// Replaying would submit the same code or password twice.
	// Renew only when the token is known to have expired.
	if proofOperations[op] && !tokens.ExpiresWithin(token, g.now(), 0) {
		return resp, err
	}

	// Someone else may have renewed while this request was in flight
	latest, ok := g.store.Get()
	switch {
	case !ok:
		return nil, fmt.Errorf("%s: %w", op, apperrors.ErrSessionExpired)
	case latest.AccessToken != token:
		token = latest.AccessToken
	default:
		g.logger.Debug("Access token rejected, renewing", "operation", op)
		renewed, err := g.refresher.Renew(ctx, token)
		if err != nil {
			return nil, g.renewalFailed(ctx, err)
		}
		token = renewed.AccessToken
	}

	g.metrics.Replays.Inc()
	return g.send(ctx, op, payload, token)
}

// Call is Do plus decoding of the JSON response into out (may be nil)
func (g *Gateway) Call(ctx context.Context, op transport.Operation, payload any, out any) error {
	resp, err := g.Do(ctx, op, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

func (g *Gateway) send(ctx context.Context, op transport.Operation, payload any, token string) (*transport.Response, error) {
	return g.transport.Do(ctx, transport.Request{Operation: op, Payload: payload, Token: token})
}

func (g *Gateway) renewalFailed(ctx context.Context, err error) error {
	// The caller gave up waiting, the session may well be fine
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	if errors.Is(err, apperrors.ErrSessionExpired) {
		return err
	}
	return fmt.Errorf("%w: %w", apperrors.ErrSessionExpired, err)
}
