package auth

import "errors"

var (
	// ErrInvalidToken is returned when an access token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrNoToken is returned when a request carries no bearer token.
	ErrNoToken = errors.New("missing token")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid auth config")

	// ErrCannotIssue is returned by verify-only managers.
	ErrCannotIssue = errors.New("token issuing not configured")
)
