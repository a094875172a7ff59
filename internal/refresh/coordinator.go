// Package refresh renews the access token, one exchange at a time.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nkiryanov/stepauth/internal/apperrors"
	"github.com/nkiryanov/stepauth/internal/logger"
	"github.com/nkiryanov/stepauth/internal/metrics"
	"github.com/nkiryanov/stepauth/internal/models"
	"github.com/nkiryanov/stepauth/internal/session"
	"github.com/nkiryanov/stepauth/internal/transport"
)

const (
	defaultTimeout = 15 * time.Second

	flightKey = "refresh"
)

type Config struct {
	// Limit for the whole exchange, independent of callers' contexts
	// If not set than default is used
	Timeout time.Duration
}

// Coordinator makes sure concurrent callers share a single refresh exchange
type Coordinator struct {
	transport transport.Transport
	store     *session.Store
	logger    logger.Logger
	metrics   *metrics.Metrics
	timeout   time.Duration
	now       func() time.Time

	group singleflight.Group
}

func NewCoordinator(cfg Config, t transport.Transport, store *session.Store, l logger.Logger, m *metrics.Metrics) *Coordinator {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Coordinator{
		transport: t,
		store:     store,
		logger:    l.With("component", "refresh"),
		metrics:   m,
		timeout:   cfg.Timeout,
		now:       time.Now,
	}
}

// Refresh renews the token pair and returns the renewed session
//
// If a renewal is already in flight the caller waits for it instead of
// starting another one. On failure the session is cleared and the error
// wraps apperrors.ErrSessionExpired. A caller whose ctx ends stops waiting,
// the exchange itself continues for the others.
func (c *Coordinator) Refresh(ctx context.Context) (models.Session, error) {
	return c.do(ctx, "")
}

// Renew is Refresh for a caller whose access token was rejected
// If the session already carries another access token, it is returned without an exchange.
func (c *Coordinator) Renew(ctx context.Context, rejected string) (models.Session, error) {
	return c.do(ctx, rejected)
}

func (c *Coordinator) do(ctx context.Context, rejected string) (models.Session, error) {
	// The exchange must not die with the caller who happened to start it
	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.exchange(context.WithoutCancel(ctx), rejected)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.metrics.RefreshWaiters.Inc()
		}
		if res.Err != nil {
			return models.Session{}, res.Err
		}
		return res.Val.(models.Session).Clone(), nil
	case <-ctx.Done():
		return models.Session{}, ctx.Err()
	}
}

func (c *Coordinator) exchange(ctx context.Context, rejected string) (models.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	current, ok := c.store.Get()
	if !ok || current.RefreshToken == "" {
		return models.Session{}, fmt.Errorf("%w: %w", apperrors.ErrSessionExpired, apperrors.ErrUnauthenticated)
	}
	if rejected != "" && current.AccessToken != rejected {
		c.logger.Debug("Access token renewed already, skipping exchange")
		return current, nil
	}

	c.logger.Debug("Refreshing access token")

	resp, err := c.transport.Do(ctx, transport.Request{
		Operation: transport.OpRefresh,
		Payload:   transport.RefreshRequest{RefreshToken: current.RefreshToken},
	})
	if err != nil {
		return c.fail(ctx, current.RefreshToken, err)
	}

	var body transport.RefreshResponse
	if err := resp.Decode(&body); err != nil {
		return c.fail(ctx, current.RefreshToken, err)
	}
	if body.AccessToken == "" {
		return c.fail(ctx, current.RefreshToken, errors.New("refresh response has no access token"))
	}

	renewed, err := c.store.RotateTokens(ctx, session.TokenUpdate{
		UsedRefreshToken: current.RefreshToken,
		AccessToken:      body.AccessToken,
		RefreshToken:     body.RefreshToken,
		TokenType:        body.TokenType,
		ExpiresIn:        body.ExpiresIn,
		IssuedAt:         c.now(),
	})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrReplaced):
		// A new sign-in happened meanwhile, its session is the one to use
		if replaced, ok := c.store.Get(); ok {
			c.metrics.Refreshes.WithLabelValues(metrics.OutcomeSuccess).Inc()
			return replaced, nil
		}
		return models.Session{}, fmt.Errorf("%w: %w", apperrors.ErrSessionExpired, err)
	case errors.Is(err, apperrors.ErrUnauthenticated):
		// Signed out while the exchange was in flight, nothing to clear
		c.metrics.Refreshes.WithLabelValues(metrics.OutcomeFailure).Inc()
		return models.Session{}, fmt.Errorf("%w: %w", apperrors.ErrSessionExpired, err)
	default:
		return c.fail(ctx, current.RefreshToken, err)
	}

	c.metrics.Refreshes.WithLabelValues(metrics.OutcomeSuccess).Inc()
	c.logger.Info("Access token refreshed", "expires_in", renewed.ExpiresIn)

	return renewed, nil
}

// fail clears the session before reporting the failure, so nobody keeps using dead tokens.
// A session signed in while the exchange was in flight is kept and returned instead.
func (c *Coordinator) fail(ctx context.Context, used string, cause error) (models.Session, error) {
	err := c.store.ClearIf(context.WithoutCancel(ctx), used)
	if errors.Is(err, session.ErrReplaced) {
		if replaced, ok := c.store.Get(); ok {
			c.logger.Info("Refresh failed but session was replaced meanwhile, keeping it", "error", cause)
			c.metrics.Refreshes.WithLabelValues(metrics.OutcomeSuccess).Inc()
			return replaced, nil
		}
	}

	c.metrics.Refreshes.WithLabelValues(metrics.OutcomeFailure).Inc()
	c.logger.Warn("Refresh failed, session cleared", "error", cause)
	if err != nil && !errors.Is(err, session.ErrReplaced) {
		c.logger.Error("Failed to clear session after refresh failure", "error", err)
	}

	return models.Session{}, fmt.Errorf("%w: %w", apperrors.ErrSessionExpired, cause)
}
