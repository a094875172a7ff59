package apperrors

import (
	"errors"
)

var (
	ErrNetworkFailure  = errors.New("identity service unreachable")
	ErrServerRejected  = errors.New("identity service rejected request")
	ErrUnauthenticated = errors.New("no active session")
	ErrSessionExpired  = errors.New("session expired, sign in again")

	ErrIncompleteSession = errors.New("session must carry both access and refresh tokens")

	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidCodeFormat = errors.New("code must be exactly 6 digits")

	ErrInvalidState           = errors.New("operation not allowed in current state")
	ErrVerificationInProgress = errors.New("verification already in progress")
	ErrChallengeAbandoned     = errors.New("challenge abandoned")
	ErrChallengeLocked        = errors.New("too many attempts, challenge locked")
	ErrNoEnrollment           = errors.New("no second factor enrollment in progress")

	ErrKeyNotFound     = errors.New("key not found")
	ErrStorageNotReady = errors.New("storage is not initialized")
)
