package transport

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/stepauth/internal/logger"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) record(level, msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprint(append([]any{level, msg}, args...)...))
}

func (l *recordingLogger) Debug(msg string, args ...any) { l.record("DEBUG", msg, args...) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.record("INFO", msg, args...) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.record("WARN", msg, args...) }
func (l *recordingLogger) Error(msg string, args ...any) { l.record("ERROR", msg, args...) }
func (l *recordingLogger) With(args ...any) logger.Logger { return l }
func (l *recordingLogger) WithGroup(string) logger.Logger { return l }

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestLoggingRoundTripper(t *testing.T) {
	t.Run("logs response without query", func(t *testing.T) {
		l := &recordingLogger{}
		rt := NewLoggingRoundTripper(roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
		}), l)
		req := httptest.NewRequest(http.MethodPost, "http://id.example.com/auth/refresh?refresh_token=r1", nil)

		resp, err := rt.RoundTrip(req)

		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Len(t, l.lines, 1)
		require.Contains(t, l.lines[0], "/auth/refresh")
		require.False(t, strings.Contains(l.lines[0], "r1"), "query must not be logged")
	})

	t.Run("logs failure", func(t *testing.T) {
		l := &recordingLogger{}
		rt := NewLoggingRoundTripper(roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		}), l)

		_, err := rt.RoundTrip(httptest.NewRequest(http.MethodGet, "http://id.example.com/mfa/status", nil))

		require.Error(t, err)
		require.Len(t, l.lines, 1)
		require.True(t, strings.HasPrefix(l.lines[0], "WARN"))
	})
}
