package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrNotFound         = errors.New("domain: not found")
	ErrConflict         = errors.New("domain: conflict")
	ErrUnauthorized     = errors.New("domain: unauthorized")
	ErrForbidden        = errors.New("domain: forbidden")
	ErrStoreUnavailable = errors.New("domain: keyed store unavailable")
	ErrInvalidPolicy    = errors.New("domain: invalid policy")
	ErrDefaultPolicy    = errors.New("domain: default policy cannot be deleted")
	ErrInvalidSignature = errors.New("domain: invalid signature")
	ErrInvalidInput     = errors.New("domain: invalid input")
)
