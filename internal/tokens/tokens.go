// Package tokens reads claims of access tokens issued by the identity service.
//
// The client cannot verify signatures (the signing key stays on the server), so
// claims are only used as hints: the subject for the cached profile and the
// expiry for proactive renewal. The server remains the authority on validity.
package tokens

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims mirror what the identity service puts into access tokens
type AccessClaims struct {
	jwt.RegisteredClaims
	Type string `json:"type,omitempty"`
}

type Info struct {
	Subject   string
	Type      string
	ExpiresAt time.Time // zero when the token has no exp claim
}

var parser = jwt.NewParser()

// Inspect decodes token claims without verifying the signature
func Inspect(token string) (Info, error) {
	var claims AccessClaims

	_, _, err := parser.ParseUnverified(token, &claims)
	if err != nil {
		return Info{}, fmt.Errorf("error while decoding token claims. Err: %w", err)
	}

	info := Info{Subject: claims.Subject, Type: claims.Type}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}

	return info, nil
}

// ExpiresWithin reports whether the token expires before now+leeway
// Opaque tokens and tokens without exp never do.
func ExpiresWithin(token string, now time.Time, leeway time.Duration) bool {
	info, err := Inspect(token)
	if err != nil || info.ExpiresAt.IsZero() {
		return false
	}

	return !info.ExpiresAt.After(now.Add(leeway))
}
