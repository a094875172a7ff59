// Package transport performs single exchanges with the identity service.
//
// A Transport never retries and never renews tokens: one Do call is one
// request. Failures are classified as apperrors.ErrNetworkFailure (no usable
// answer) or *ServerError (the service answered with a non-2xx status).
package transport

import (
	"context"
	"encoding/json"
	"fmt"
)

type Operation string

const (
	OpSignup     Operation = "signup"
	OpLogin      Operation = "login"
	OpRefresh    Operation = "refresh"
	OpLogout     Operation = "logout"
	OpMFASetup   Operation = "mfa-setup"
	OpMFAVerify  Operation = "mfa-verify"
	OpMFADisable Operation = "mfa-disable"
	OpMFAStatus  Operation = "mfa-status"
)

type Request struct {
	Operation Operation

	// Encoded as JSON body, nil sends no body
	Payload any

	// Bearer token; empty means an unauthenticated request
	Token string
}

type Response struct {
	Status int
	Body   []byte
}

// Decode unmarshals the JSON body into v
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("malformed response body: %w", err)
	}
	return nil
}

type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a function to Transport
type Func func(ctx context.Context, req Request) (*Response, error)

func (f Func) Do(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
