package auth

import "errors"

var (
	ErrMissingKey    = errors.New("auth: key is empty")
	ErrMalformedKey  = errors.New("auth: key is malformed")
	ErrNotPrivileged = errors.New("auth: key is not a service key")
	ErrExpired       = errors.New("auth: key has expired")
)
