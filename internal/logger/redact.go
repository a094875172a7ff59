package logger

import (
	"log/slog"
	"strings"
)

const redacted = "***REDACTED***"

// Attribute keys containing any of these are never written in clear
var sensitiveKeys = []string{
	"password",
	"token",
	"secret",
	"authorization",
	"totp",
	"code",
}

func redact(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		return a
	}

	key := strings.ToLower(a.Key)
	for _, pattern := range sensitiveKeys {
		if strings.Contains(key, pattern) {
			return slog.String(a.Key, redacted)
		}
	}

	return a
}
