package models

import (
	"time"
)

// Session is the token pair granted by the identity service plus the cached user profile
type Session struct {
	AccessToken  string
	RefreshToken string
	TokenType    string

	// Access token lifetime in seconds as reported by the server
	ExpiresIn int

	// When the client received the tokens
	IssuedAt time.Time

	Profile *UserProfile
}

// Complete reports whether both tokens are present
func (s Session) Complete() bool {
	return s.AccessToken != "" && s.RefreshToken != ""
}

// ExpiresAt is a local estimate; zero if the server did not report a lifetime
func (s Session) ExpiresAt() time.Time {
	if s.ExpiresIn <= 0 || s.IssuedAt.IsZero() {
		return time.Time{}
	}
	return s.IssuedAt.Add(time.Duration(s.ExpiresIn) * time.Second)
}

// Clone returns a copy that does not share the profile with the original
func (s Session) Clone() Session {
	if s.Profile != nil {
		p := *s.Profile
		s.Profile = &p
	}
	return s
}

type UserProfile struct {
	ID                  string `json:"id"`
	Email               string `json:"email"`
	SecondFactorEnabled bool   `json:"second_factor_enabled"`
}

// Enrollment is the material returned when the user starts setting up a second factor
type Enrollment struct {
	Secret        string
	QRCode        []byte // PNG
	RecoveryCodes []string
}
