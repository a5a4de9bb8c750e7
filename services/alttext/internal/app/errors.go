package app

import "errors"

var (
	// ErrForbidden indicates the caller lacks the capability the action needs.
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidInput      = errors.New("invalid input")
	ErrJobNotFound       = errors.New("job not found")
	ErrTooManyInBatch    = errors.New("too many attachments in one batch")
	ErrAlreadyRegistered = errors.New("attachment already registered")
)
