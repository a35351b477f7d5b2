package auth

import "errors"

var (
	ErrUnauthorized       = errors.New("auth: unauthorized")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrMissingIdentity    = errors.New("auth: missing identity")
	ErrDeviceNotPermitted = errors.New("auth: device not permitted")
)
