package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nkiryanov/stepauth/internal/apperrors"
)

// ServerError is a non-2xx answer of the identity service
type ServerError struct {
	Operation Operation
	Status    int

	// Human readable reason as sent by the server
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.Operation, e.Status, e.Message)
}

func (e *ServerError) Unwrap() error {
	return apperrors.ErrServerRejected
}

// Unauthorized is the only status that justifies renewing the access token
func (e *ServerError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized
}

// Throttled means the server refuses further attempts for now (locked account or rate limit)
func (e *ServerError) Throttled() bool {
	return e.Status == http.StatusLocked || e.Status == http.StatusTooManyRequests
}

// AsServerError extracts *ServerError from the err chain
func AsServerError(err error) (*ServerError, bool) {
	var se *ServerError
	ok := errors.As(err, &se)
	return se, ok
}

// IsUnauthorized reports whether err is an authorization failure of the server
func IsUnauthorized(err error) bool {
	se, ok := AsServerError(err)
	return ok && se.Unauthorized()
}

// errorBody covers the shapes the service uses for errors:
// {"detail": "..."}, {"detail": [{"msg": "..."}]} and {"message": "..."}
type errorBody struct {
	Detail  json.RawMessage `json:"detail"`
	Message string          `json:"message"`
}

func parseErrorMessage(status int, body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		if msg := detailMessage(eb.Detail); msg != "" {
			return msg
		}
		if eb.Message != "" {
			return eb.Message
		}
	}

	if text := strings.TrimSpace(string(body)); text != "" && len(text) <= 200 && !strings.HasPrefix(text, "{") {
		return text
	}
	return http.StatusText(status)
}

func detailMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, item := range items {
			if item.Msg != "" {
				msgs = append(msgs, item.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}

	return ""
}
