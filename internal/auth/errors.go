package auth

import "errors"

var (
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrMissingSecret = errors.New("auth: signing secret is not configured")
	ErrForbidden     = errors.New("auth: forbidden")
)
