package auth

import "errors"

var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrForbidden    = errors.New("insufficient permissions")
	ErrInvalidRole  = errors.New("invalid role")
	ErrNoSecret     = errors.New("signing secret is required")
)
