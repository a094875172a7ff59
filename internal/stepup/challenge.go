package stepup

import (
	"time"

	"github.com/nkiryanov/stepauth/internal/transport"
)

// challenge is what the flow remembers between an accepted password and the code
// It lives in memory only and is wiped on every way out of the pending state.
type challenge struct {
	email     string
	password  []byte
	mfaToken  string
	expiresAt time.Time
}

func newChallenge(email, password, mfaToken string, expiresAt time.Time) *challenge {
	c := &challenge{email: email, mfaToken: mfaToken, expiresAt: expiresAt}
	// Server issued a challenge token, the password is not needed anymore
	if mfaToken == "" {
		c.password = []byte(password)
	}
	return c
}

// loginRequest repeats the sign-in with the code attached
func (c *challenge) loginRequest(code string) transport.LoginRequest {
	req := transport.LoginRequest{Email: c.email, TOTPCode: code}
	if c.mfaToken != "" {
		req.MFAToken = c.mfaToken
	} else {
		// A fresh copy wipe cannot reach; it lives as long as the request does
		req.Password = string(c.password)
	}
	return req
}

func (c *challenge) wipe() {
	if c == nil {
		return
	}
	for i := range c.password {
		c.password[i] = 0
	}
	c.password = nil
	c.mfaToken = ""
}
