package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/stepauth/internal/apperrors"
	"github.com/nkiryanov/stepauth/internal/logger"
	"github.com/nkiryanov/stepauth/internal/metrics"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "stepauth"
	maxBodySize      = 1 << 20

	headerRequestID = "X-Request-ID"
)

type route struct {
	method string
	path   string
}

var routes = map[Operation]route{
	OpSignup:     {http.MethodPost, "/auth/signup"},
	OpLogin:      {http.MethodPost, "/auth/login"},
	OpRefresh:    {http.MethodPost, "/auth/refresh"},
	OpLogout:     {http.MethodPost, "/auth/logout"},
	OpMFASetup:   {http.MethodPost, "/mfa/setup"},
	OpMFAVerify:  {http.MethodPost, "/mfa/verify"},
	OpMFADisable: {http.MethodPost, "/mfa/disable"},
	OpMFAStatus:  {http.MethodGet, "/mfa/status"},
}

// Config of the HTTP transport with sensible defaults
type Config struct {
	// Identity service base address, e.g. https://id.example.com/api
	// Required
	BaseURL string

	// Limit for one exchange
	// If not set than default is used
	Timeout time.Duration

	UserAgent string

	// If not set a client with logging transport is created
	HTTPClient *http.Client
}

type HTTPTransport struct {
	baseURL   *url.URL
	client    *http.Client
	timeout   time.Duration
	userAgent string

	logger  logger.Logger
	metrics *metrics.Metrics
}

func NewHTTP(cfg Config, l logger.Logger, m *metrics.Metrics) (*HTTPTransport, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("identity service address must not be empty")
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid identity service address. Err: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("identity service address must start with http:// or https://, got %q", cfg.BaseURL)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	l = l.With("component", "transport")

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: NewLoggingRoundTripper(http.DefaultTransport, l)}
	}

	return &HTTPTransport{
		baseURL:   base,
		client:    client,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		logger:    l,
		metrics:   m,
	}, nil
}

func (t *HTTPTransport) Do(ctx context.Context, req Request) (*Response, error) {
	rt, ok := routes[req.Operation]
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", req.Operation)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	httpReq, err := t.newRequest(ctx, rt, req)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		t.count(req.Operation, metrics.OutcomeUnreachable)
		// url.Error carries the full address and the refresh token sits in its query
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, fmt.Errorf("%w: %s %s: %w", apperrors.ErrNetworkFailure, req.Operation, rt.path, err)
	}
	defer resp.Body.Close() // nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		t.count(req.Operation, metrics.OutcomeUnreachable)
		return nil, fmt.Errorf("%w: %s: failed to read response: %w", apperrors.ErrNetworkFailure, req.Operation, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.count(req.Operation, metrics.OutcomeRejected)
		se := &ServerError{
			Operation: req.Operation,
			Status:    resp.StatusCode,
			Message:   parseErrorMessage(resp.StatusCode, body),
		}
		t.logger.Debug("Identity service rejected request", "operation", req.Operation, "status", se.Status, "reason", se.Message)
		return nil, se
	}

	t.count(req.Operation, metrics.OutcomeSuccess)
	return &Response{Status: resp.StatusCode, Body: body}, nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, rt route, req Request) (*http.Request, error) {
	u := t.baseURL.JoinPath(rt.path)

	var body io.Reader
	switch p := req.Payload.(type) {
	case nil:
	case RefreshRequest:
		// The service takes the refresh token as query parameter
		q := u.Query()
		q.Set("refresh_token", p.RefreshToken)
		u.RawQuery = q.Encode()
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", req.Operation, err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, rt.method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", t.userAgent)
	httpReq.Header.Set(headerRequestID, uuid.NewString())
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}

	return httpReq, nil
}

func (t *HTTPTransport) count(op Operation, outcome string) {
	if t.metrics != nil {
		t.metrics.Requests.WithLabelValues(string(op), outcome).Inc()
	}
}
