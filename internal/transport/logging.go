package transport

import (
	"net/http"
	"time"

	"github.com/nkiryanov/stepauth/internal/logger"
)

type loggingRoundTripper struct {
	next   http.RoundTripper
	logger logger.Logger
}

// NewLoggingRoundTripper logs every outgoing request; query strings are not logged
func NewLoggingRoundTripper(next http.RoundTripper, l logger.Logger) http.RoundTripper {
	return &loggingRoundTripper{next: next, logger: l}
}

func (rt *loggingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := rt.next.RoundTrip(r)
	if err != nil {
		rt.logger.Warn(
			"HTTP request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", r.Header.Get(headerRequestID),
			"duration", time.Since(start),
			"error", err,
		)
		return nil, err
	}

	rt.logger.Debug(
		"got HTTP response",
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", r.Header.Get(headerRequestID),
		"duration", time.Since(start),
		"status", resp.StatusCode,
	)

	return resp, nil
}
